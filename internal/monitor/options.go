package monitor

import (
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/ChuLiYu/orthanc-relay/internal/checkpoint"
	"github.com/ChuLiYu/orthanc-relay/internal/errorsink"
	"github.com/ChuLiYu/orthanc-relay/internal/metrics"
	"github.com/ChuLiYu/orthanc-relay/internal/scheduler"
)

// DefaultRetryDelays is the wait before retry 1, 2, ... of a failed handler.
// Retries beyond the table reuse its last entry.
var DefaultRetryDelays = []time.Duration{
	5 * time.Second,
	20 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

const (
	DefaultWorkers         = 1
	DefaultMaxRetries      = 5
	DefaultBatchSize       = 100
	DefaultPollingInterval = 500 * time.Millisecond

	checkpointWriteTimeout = 10 * time.Second
)

type options struct {
	workers         int
	queueSize       int
	batchSize       int
	pollingInterval time.Duration
	maxRetries      int
	retryDelays     []time.Duration
	startAt         uint64
	store           checkpoint.Store
	sink            errorsink.Sink
	scheduler       *scheduler.Scheduler
	clock           clock.Clock
	logger          *slog.Logger
	metrics         *metrics.Collector
}

func defaultOptions() options {
	return options{
		workers:         DefaultWorkers,
		batchSize:       DefaultBatchSize,
		pollingInterval: DefaultPollingInterval,
		maxRetries:      DefaultMaxRetries,
		retryDelays:     DefaultRetryDelays,
		clock:           clock.WallClock,
		logger:          slog.Default(),
	}
}

// Option configures a Monitor
type Option func(*options)

// WithWorkers sets the number of worker goroutines
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize sets the work queue capacity. The default is workers+1.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithBatchSize sets the limit passed to each change log request
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollingInterval sets the sleep after a drained log or a failed poll
func WithPollingInterval(d time.Duration) Option {
	return func(o *options) { o.pollingInterval = d }
}

// WithMaxRetries sets how many times a failed handler is retried
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryDelays replaces the backoff table
func WithRetryDelays(delays []time.Duration) Option {
	return func(o *options) {
		if len(delays) > 0 {
			o.retryDelays = delays
		}
	}
}

// WithStartAt sets the starting sequence id when no checkpoint store is configured
func WithStartAt(id uint64) Option {
	return func(o *options) { o.startAt = id }
}

// WithCheckpointStore persists the resume id; its value takes precedence over WithStartAt
func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *options) { o.store = store }
}

// WithErrorSink records terminal failures; recorded changes count as processed
func WithErrorSink(sink errorsink.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithScheduler gates polling on working hours
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithClock injects the clock used for backoff and polling sleeps
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records prometheus metrics
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// retryDelay is the wait before retry attempt (1-based)
func (o *options) retryDelay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(o.retryDelays) {
		i = len(o.retryDelays) - 1
	}
	if i < 0 {
		i = 0
	}
	return o.retryDelays[i]
}
