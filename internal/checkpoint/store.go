// Package checkpoint persists the safe resume sequence id of a change monitor.
//
// A Store holds a single value: the highest sequence id below which every
// change is known to be processed. Readers see either the previous value or
// the new one, never a partial write.
package checkpoint

import (
	"context"
	"errors"
)

// ErrWriteFailed wraps any failure to persist a checkpoint.
// Callers treat it as fatal: losing the ability to record progress is worse than stopping.
var ErrWriteFailed = errors.New("checkpoint write failed")

// Store is a durable single-value checkpoint.
type Store interface {
	// Read returns the persisted resume id, or 0 when nothing usable was stored.
	Read(ctx context.Context) (uint64, error)

	// Write atomically replaces the persisted resume id.
	Write(ctx context.Context, id uint64) error
}
