// Package scheduler restricts work to nights and weekends.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Config is the gate configuration. Hours are local clock hours (0-23).
type Config struct {
	RunOnlyAtNightAndWeekend bool          `yaml:"run-only-at-night-and-weekend" env:"RUN_ONLY_AT_NIGHT_AND_WEEKEND" env-default:"false"`
	NightStartHour           int           `yaml:"night-start-hour" env:"NIGHT_START_HOUR" env-default:"19"`
	NightEndHour             int           `yaml:"night-end-hour" env:"NIGHT_END_HOUR" env-default:"7"`
	CheckInterval            time.Duration `yaml:"check-interval" env:"CHECK_INTERVAL" env-default:"10m"`
}

// DefaultConfig is an always-open gate with the usual night hours
func DefaultConfig() Config {
	return Config{
		NightStartHour: 19,
		NightEndHour:   7,
		CheckInterval:  10 * time.Minute,
	}
}

// Scheduler decides whether work may run now
type Scheduler struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a scheduler; a nil clock means wall clock
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	return &Scheduler{config: cfg, clock: clk, logger: logger}
}

// IsRightTime reports whether t is inside the allowed window.
// Closed on Monday to Friday from NightEndHour (inclusive) to NightStartHour (exclusive).
func (s *Scheduler) IsRightTime(t time.Time) bool {
	if !s.config.RunOnlyAtNightAndWeekend {
		return true
	}

	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}

	hour := t.Hour()
	return !(hour >= s.config.NightEndHour && hour < s.config.NightStartHour)
}

// IsOpen reports whether work may run at the current clock time
func (s *Scheduler) IsOpen() bool {
	return s.IsRightTime(s.clock.Now())
}

// Wait blocks until the gate opens or ctx is done.
// The gate is re-evaluated every CheckInterval.
func (s *Scheduler) Wait(ctx context.Context) error {
	logged := false
	for !s.IsOpen() {
		if !logged {
			s.logger.Info("outside of working hours, waiting",
				"night_start_hour", s.config.NightStartHour,
				"night_end_hour", s.config.NightEndHour)
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.config.CheckInterval):
		}
	}
	return ctx.Err()
}
