// Package checksum provides SHA-256 checksums for archived ledger exports.
// Upload reports the checksum of an export; VerifySHA256 re-reads the stored
// object later to prove it was not altered in the archive.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CalculateSHA256 returns the hex SHA-256 of everything read from reader.
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 reports whether reader hashes to expectedChecksum. The
// comparison is case-insensitive so checksums copied from other tools match.
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(actualChecksum, strings.TrimSpace(expectedChecksum)), nil
}
