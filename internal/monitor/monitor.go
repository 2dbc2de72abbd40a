// ============================================================================
// Change monitor
// ============================================================================
//
// Package: internal/monitor
//
// Tails the Orthanc /changes log and hands every change to a handler with
// at-least-once semantics:
//
//   poller ──Register──> tracker
//      │
//      └──Submit──> queue ──> workers ──handler──> Complete ──> checkpoint
//
// Startup:
//   The poller starts at the checkpoint store value when a store is
//   configured, else at WithStartAt, else 0.
//
// Shutdown (Stop):
//   1. cancel the poller and wait for it (it never stops mid-batch)
//   2. one sentinel per worker, wait for every worker
//   Changes queued before the sentinels are still handled. A worker in a
//   backoff wait gives up the wait; its change stays in flight and is
//   redelivered after a restart.
//
// Fatal errors:
//   A checkpoint or error-sink write failure stops the worker that hit it.
//   The first such error is available from Err and returned by Execute.
//
// ============================================================================

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/tracker"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Stats is a point-in-time view of a running monitor
type Stats struct {
	RunID            string
	Workers          int
	Cursor           uint64
	ResumeID         uint64
	LargestCompleted uint64
	InFlight         int
	Queued           int
}

// Monitor is the change-feed engine
type Monitor struct {
	client   orthanc.API
	registry *Registry
	opts     options

	mu      sync.Mutex
	started bool
	stopped bool
	runID   string
	logger  *slog.Logger
	tracker *tracker.Tracker
	pool    *Pool
	poller  *poller

	// cancelPoll stops the poller; cancelWait also interrupts backoff waits
	cancelPoll context.CancelFunc
	cancelWait context.CancelFunc

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

// New creates a monitor reading changes from client
func New(client orthanc.API, opts ...Option) *Monitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.queueSize == 0 {
		o.queueSize = o.workers + 1
	}

	return &Monitor{
		client:   client,
		registry: NewRegistry(),
		opts:     o,
		logger:   o.logger,
		failed:   make(chan struct{}),
	}
}

// AddHandler registers fn for a change type. Call before Start.
func (m *Monitor) AddHandler(changeType types.ChangeType, fn HandlerFunc) {
	m.registry.Register(changeType, fn)
}

// Registry exposes the handler registry
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Start launches the poller and the workers.
//
// ctx is handed to handlers; cancelling it also stops the poller, but Stop
// must still be called to release the workers.
func (m *Monitor) Start(ctx context.Context, existingChangesOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	m.runID = uuid.NewString()
	m.logger = m.opts.logger.With("run_id", m.runID)

	start := m.opts.startAt
	if m.opts.store != nil {
		id, err := m.opts.store.Read(ctx)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		start = id
	}

	m.tracker = tracker.New(m.opts.store, start)
	m.pool = NewPool(m.opts.queueSize)

	waitCtx, cancelWait := context.WithCancel(ctx)
	pollCtx, cancelPoll := context.WithCancel(waitCtx)
	m.cancelWait = cancelWait
	m.cancelPoll = cancelPoll

	err := m.pool.Start(m.opts.workers, func(id int, queue <-chan *types.Change) {
		w := &worker{
			id:         id,
			opts:       &m.opts,
			registry:   m.registry,
			client:     m.client,
			tracker:    m.tracker,
			logger:     m.logger.With("worker", id),
			handlerCtx: ctx,
			stopCtx:    waitCtx,
			fail:       m.fail,
		}
		w.run(queue)
	})
	if err != nil {
		cancelPoll()
		cancelWait()
		return err
	}

	m.poller = newPoller(m.client, m.pool, m.tracker, &m.opts, m.logger, start, existingChangesOnly)
	go m.poller.run(pollCtx)

	m.started = true
	m.logger.Info("monitor started",
		"start_at", start,
		"workers", m.opts.workers,
		"queue_size", m.opts.queueSize,
		"handlers", len(m.registry.Types()),
		"existing_changes_only", existingChangesOnly)
	return nil
}

// Stop stops the poller, then the workers, and returns once all have exited.
// Workers waiting to retry give up the wait. It is idempotent.
func (m *Monitor) Stop() {
	m.shutdown(true)
}

// shutdown runs the two-phase stop. With abortBackoff false, queued changes
// are handled with their full retry schedule before the workers exit.
func (m *Monitor) shutdown(abortBackoff bool) {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Info("stopping monitor", "abort_backoff", abortBackoff)

	m.cancelPoll()
	<-m.poller.exited

	if abortBackoff {
		m.cancelWait()
	}
	m.pool.Stop()
	m.cancelWait()

	m.logger.Info("monitor stopped",
		"resume_id", m.tracker.ResumeID(),
		"in_flight", m.tracker.Len())
}

// Execute runs the monitor until ctx is cancelled, a worker fails fatally,
// or, with existingChangesOnly, every existing change has been handled.
// Cancellation of ctx is a normal shutdown and returns nil.
func (m *Monitor) Execute(ctx context.Context, existingChangesOnly bool) error {
	if err := m.Start(ctx, existingChangesOnly); err != nil {
		return err
	}

	select {
	case <-m.Done():
		// drain what was read, retries included
		m.shutdown(false)
	case <-m.failed:
		m.Stop()
	case <-ctx.Done():
		m.Stop()
	}

	return m.Err()
}

// Done is closed once the poller has exited: the log was drained in
// existing-changes-only mode, the monitor is stopping, or no worker is left.
// It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poller == nil {
		return nil
	}
	return m.poller.exited
}

// Err returns the first fatal worker error
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stats returns the current state. It is zero before Start.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return Stats{Workers: m.opts.workers}
	}
	return Stats{
		RunID:            m.runID,
		Workers:          m.pool.GetWorkerCount(),
		Cursor:           m.poller.Cursor(),
		ResumeID:         m.tracker.ResumeID(),
		LargestCompleted: m.tracker.LargestCompleted(),
		InFlight:         m.tracker.Len(),
		Queued:           m.pool.Pending(),
	}
}

// InFlight lists the sequence ids not yet acknowledged
func (m *Monitor) InFlight() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracker == nil {
		return nil
	}
	return m.tracker.InFlight()
}

func (m *Monitor) fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.failed)
	})
}
