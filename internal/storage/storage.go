// Package storage defines the archive Storage interface used to keep off-database
// copies of the audit ledger (shipped NDJSON batches and on-demand exports).
//
// Archive objects are write-once. Every backend refuses to overwrite an existing
// object and reports ErrObjectExists instead, so a copy of the ledger that has
// left the database cannot be silently replaced either.
//
// New backends are added by implementing the Storage interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectExists is returned by Upload when the target path is already taken.
var ErrObjectExists = errors.New("archive object already exists")

// ErrObjectNotFound is returned by Download when the path does not exist.
var ErrObjectNotFound = errors.New("archive object not found")

// Storage defines the interface for all archive backends
type Storage interface {
	// Upload stores a new object and returns its path and checksum.
	// It fails with ErrObjectExists rather than replacing an object.
	Upload(ctx context.Context, path string, reader io.Reader, size int64) (*UploadResult, error)

	// Download retrieves an object
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	// Path is the storage path where the object was stored
	Path string

	// Size is the object size in bytes
	Size int64

	// Checksum is the SHA256 hash of the object contents
	Checksum string
}
