// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// detached tracks goroutines started with Detach so shutdown can drain them.
var detached sync.WaitGroup

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. This should be used for all
// fire-and-forget goroutines (background jobs, shipper flushes, etc.)
// where an unrecovered panic would silently kill the goroutine forever.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}

// Detach runs fn in a new goroutine with a fresh context bounded by timeout.
// The context is not derived from any request, so fn keeps running after the
// caller returns or its context is cancelled. Panics are recovered and logged
// with name. Detached work is counted until it returns; see Wait.
func Detach(name string, timeout time.Duration, fn func(ctx context.Context)) {
	detached.Add(1)
	go func() {
		defer detached.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in detached task", "task", name, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every detached task has returned or ctx is done.
// It reports whether all tasks finished.
func Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
