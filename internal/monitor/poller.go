package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/tracker"
)

// poller reads the change log and feeds the pool.
// It owns the cursor; other goroutines only read it through Cursor.
type poller struct {
	client       orthanc.ChangeLogClient
	pool         *Pool
	tracker      *tracker.Tracker
	opts         *options
	logger       *slog.Logger
	existingOnly bool

	cursor atomic.Uint64
	exited chan struct{}
}

func newPoller(client orthanc.ChangeLogClient, pool *Pool, tr *tracker.Tracker, opts *options, logger *slog.Logger, start uint64, existingOnly bool) *poller {
	p := &poller{
		client:       client,
		pool:         pool,
		tracker:      tr,
		opts:         opts,
		logger:       logger.With("component", "poller"),
		existingOnly: existingOnly,
		exited:       make(chan struct{}),
	}
	p.cursor.Store(start)
	return p
}

// Cursor is the last sequence id read from the log
func (p *poller) Cursor() uint64 {
	return p.cursor.Load()
}

// run loops until ctx is cancelled, the pool dies, or, in existing-changes-only
// mode, the log is drained.
func (p *poller) run(ctx context.Context) {
	defer close(p.exited)
	p.logger.Debug("poller started", "since", p.Cursor(), "existing_changes_only", p.existingOnly)

	for ctx.Err() == nil {
		if p.opts.scheduler != nil {
			if err := p.opts.scheduler.Wait(ctx); err != nil {
				break
			}
		}

		cursor := p.Cursor()
		changes, last, done, err := p.client.GetChanges(ctx, cursor, p.opts.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("could not read changes, retrying", "since", cursor, "error", err)
			p.opts.metrics.RecordPollError()
			p.sleep(ctx)
			continue
		}
		p.opts.metrics.RecordPolled(len(changes))

		// the whole batch is pushed even if a stop is requested meanwhile
		for _, change := range changes {
			if err := p.tracker.Register(change.SequenceID); err != nil {
				p.logger.Warn("change already in flight, skipping", "sequence_id", change.SequenceID, "error", err)
				continue
			}
			p.opts.metrics.UpdateTracker(p.tracker.Len(), p.tracker.ResumeID())
			p.logger.Debug("change registered", "change", change.String())

			if err := p.pool.Submit(change); err != nil {
				p.logger.Error("no worker left, poller stopping", "error", err)
				return
			}
		}

		if last > cursor {
			p.cursor.Store(last)
		}

		if done {
			if p.existingOnly {
				p.logger.Info("all existing changes read", "last", p.Cursor())
				return
			}
			p.sleep(ctx)
		}
	}

	p.logger.Debug("poller stopped", "cursor", p.Cursor())
}

func (p *poller) sleep(ctx context.Context) {
	if p.opts.pollingInterval <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-p.opts.clock.After(p.opts.pollingInterval):
	}
}
