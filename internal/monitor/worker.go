package monitor

// ============================================================================
// Worker
// One loop per goroutine: dequeue, dispatch with retry, acknowledge.
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/tracker"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// worker handles changes until it dequeues a sentinel or hits a fatal error
type worker struct {
	id       int
	opts     *options
	registry *Registry
	client   orthanc.ResourceClient
	tracker  *tracker.Tracker
	logger   *slog.Logger

	// handlerCtx is passed to handlers; stopCtx is cancelled by Stop and only
	// interrupts backoff waits.
	handlerCtx context.Context
	stopCtx    context.Context

	fail func(error)
}

func (w *worker) run(queue <-chan *types.Change) {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for change := range queue {
		if change == nil {
			return
		}
		w.opts.metrics.RecordDispatch()

		if err := w.process(*change); err != nil {
			w.logger.Error("worker stopping on fatal error", "change", change.String(), "error", err)
			w.fail(err)
			return
		}
	}
}

// process handles one change. A non-nil error is fatal for the worker.
func (w *worker) process(change types.Change) error {
	logger := w.logger.With("sequence_id", change.SequenceID, "change_type", change.ChangeType)
	changeType := string(change.ChangeType)

	handler, ok := w.registry.Lookup(change.ChangeType)
	if !ok {
		logger.Debug("no handler for change type, acknowledging")
		return w.acknowledge(change)
	}

	var lastErr error
	attempts := 1 + w.opts.maxRetries

retry:
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := w.opts.retryDelay(attempt)
			level := slog.LevelInfo
			if attempt > 2 {
				level = slog.LevelWarn
			}
			logger.Log(w.stopCtx, level, "waiting before retrying change", "attempt", attempt, "delay", delay, "error", lastErr)
			w.opts.metrics.RecordRetry(changeType)

			select {
			case <-w.stopCtx.Done():
				logger.Info("stop requested during backoff, change stays in flight")
				return nil
			case <-w.opts.clock.After(delay):
			}
		}

		logger.Debug("processing change", "attempt", attempt)
		start := w.opts.clock.Now()
		err := w.invoke(handler, change)
		w.opts.metrics.ObserveHandler(changeType, w.opts.clock.Now().Sub(start))

		switch classify(err) {
		case outcomeSuccess:
			w.opts.metrics.RecordCompleted(changeType)
			return w.acknowledge(change)

		case outcomeNotFound:
			logger.Warn("resource not found, acknowledging", "resource_id", change.ResourceID, "error", err)
			w.opts.metrics.RecordNotFound(changeType)
			if w.opts.sink != nil {
				if err := w.opts.sink.Record(change.SequenceID, change.ChangeType, err.Error()); err != nil {
					return err
				}
			}
			return w.acknowledge(change)

		case outcomeFatal:
			logger.Error("handler failed permanently", "error", err)
			lastErr = err
			break retry

		default:
			logger.Warn("handler failed", "attempt", attempt, "error", err)
			lastErr = err
		}
	}

	w.opts.metrics.RecordGivenUp(changeType)

	if w.opts.sink == nil {
		logger.Error("giving up on change, leaving it in flight", "error", lastErr)
		return nil
	}

	logger.Error("giving up on change, recording failure", "error", lastErr)
	if err := w.opts.sink.Record(change.SequenceID, change.ChangeType, lastErr.Error()); err != nil {
		return err
	}
	return w.acknowledge(change)
}

// invoke calls the handler, turning a panic into a retryable error
func (w *worker) invoke(handler HandlerFunc, change types.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(w.handlerCtx, change.SequenceID, change.ResourceID, w.client)
}

// acknowledge removes the change from the tracker and persists the new checkpoint.
// The write outlives a cancelled handler context: the change is done either way.
func (w *worker) acknowledge(change types.Change) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.handlerCtx), checkpointWriteTimeout)
	defer cancel()

	resume, err := w.tracker.Complete(ctx, change.SequenceID)
	w.opts.metrics.UpdateTracker(w.tracker.Len(), resume)
	if err != nil {
		return fmt.Errorf("acknowledge change %d: %w", change.SequenceID, err)
	}
	w.logger.Debug("change processed", "sequence_id", change.SequenceID, "resume_id", resume)
	return nil
}
