// ============================================================================
// In-flight change tracker
// ============================================================================
//
// Package: internal/tracker
//
// Tracks the sequence ids that have been read from the change log but not yet
// acknowledged, and derives the safe resume point from them:
//
//   InFlight non-empty: resume = min(InFlight) - 1
//   InFlight empty:     resume = largestCompleted
//
// Every id at or below the resume point is known to be processed, so a
// restart from it loses nothing (it may redeliver completed ids above it).
//
// State transitions:
//   Register(seq)  poller, before the change is queued
//   Complete(seq)  worker, once the change is handled or given up with a record
//
// Concurrency:
//   One mutex guards the set, largestCompleted and the checkpoint write, so
//   persisted checkpoints are written in the order they are computed.
//
// ============================================================================

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/orthanc-relay/internal/checkpoint"
)

var (
	// ErrNotInFlight is returned when completing an id that is not tracked
	ErrNotInFlight = errors.New("sequence id not in flight")
	// ErrDuplicate is returned when registering an id twice
	ErrDuplicate = errors.New("sequence id already in flight")
)

// Tracker is the in-flight set plus its checkpoint
type Tracker struct {
	mu               sync.RWMutex
	inFlight         map[uint64]struct{}
	largestCompleted uint64
	resumeID         uint64
	store            checkpoint.Store
}

// New creates a tracker resuming at start. store may be nil.
func New(store checkpoint.Store, start uint64) *Tracker {
	return &Tracker{
		inFlight:         make(map[uint64]struct{}),
		largestCompleted: start,
		resumeID:         start,
		store:            store,
	}
}

// Register marks seq as in flight
func (t *Tracker) Register(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.inFlight[seq]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicate, seq)
	}
	t.inFlight[seq] = struct{}{}
	return nil
}

// Complete removes seq from the in-flight set, recomputes the resume id and
// persists it. The returned id is the new resume point.
//
// When persisting fails, the in-memory state has already moved on and the
// store's error is returned.
func (t *Tracker) Complete(ctx context.Context, seq uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.inFlight[seq]; !exists {
		return t.resumeID, fmt.Errorf("%w: %d", ErrNotInFlight, seq)
	}
	delete(t.inFlight, seq)

	if seq > t.largestCompleted {
		t.largestCompleted = seq
	}

	resume := t.largestCompleted
	if len(t.inFlight) > 0 {
		resume = t.minLocked() - 1
	}
	t.resumeID = resume

	if t.store != nil {
		if err := t.store.Write(ctx, resume); err != nil {
			return resume, err
		}
	}
	return resume, nil
}

// ResumeID returns the current safe resume point
func (t *Tracker) ResumeID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resumeID
}

// LargestCompleted returns the highest id ever completed
func (t *Tracker) LargestCompleted() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.largestCompleted
}

// InFlight returns the tracked ids in ascending order
func (t *Tracker) InFlight() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]uint64, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len is the number of tracked ids
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.inFlight)
}

// isInFlight reports whether seq is tracked
func (t *Tracker) isInFlight(seq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.inFlight[seq]
	return ok
}

func (t *Tracker) minLocked() uint64 {
	first := true
	var lowest uint64
	for id := range t.inFlight {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest
}
