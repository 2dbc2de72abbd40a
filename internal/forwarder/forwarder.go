// ============================================================================
// Forwarder
// ============================================================================
//
// Forwards everything stored in an Orthanc to one or more destinations, then
// deletes it from the source.
//
// Every polling interval the forwarder lists the groups at the trigger level
// (studies, series or instances) and hands them to N workers. Each group is
// handled as an instances set:
//
//   filter ──> process (once) ──> forward to each destination ──> delete
//                                        │
//                                        └─ any failure: retry later,
//                                           60s, 120s, 300s, 1800s, 3600s
//
// Destinations already confirmed for a set are not sent to again on retry.
// A destination may name an alternate used when it is unreachable.
//
// ============================================================================

package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"

	"github.com/ChuLiYu/orthanc-relay/internal/metrics"
	"github.com/ChuLiYu/orthanc-relay/internal/monitor"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// Mode is how a destination is reached
type Mode string

const (
	ModeDicom                  Mode = "dicom"
	ModeDicomSeriesBySeries    Mode = "dicom-series-by-series"
	ModeDicomWeb               Mode = "dicom-web"
	ModeDicomWebSeriesBySeries Mode = "dicom-web-series-by-series"
	ModePeering                Mode = "peering"
	ModeTransfer               Mode = "transfer"
)

// Modes lists every supported mode
var Modes = []Mode{
	ModeDicom, ModeDicomSeriesBySeries, ModeDicomWeb,
	ModeDicomWebSeriesBySeries, ModePeering, ModeTransfer,
}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	names := make([]string, len(Modes))
	for i, m := range Modes {
		names[i] = string(m)
	}
	return "", fmt.Errorf("invalid forwarder mode %q, allowed: %s", s, strings.Join(names, ", "))
}

// LargeSeriesSize is the uncompressed size above which
// dicom-web-series-by-series sends a series instance by instance
const LargeSeriesSize int64 = 1 << 30

// RetryIntervals is the wait before retrying a set that failed to forward
var RetryIntervals = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

var (
	ErrNoDestination = errors.New("forwarder has no destination")
	// ErrOverwriteDisabled: an in-place processor needs OverwriteInstances
	ErrOverwriteDisabled = errors.New("invalid Orthanc configuration: OverwriteInstances is false")
)

// Destination is a modality, peer or DICOMweb server alias
type Destination struct {
	Name      string       `yaml:"name"`
	Mode      Mode         `yaml:"mode"`
	Alternate *Destination `yaml:"alternate,omitempty"`
}

func (d Destination) String() string {
	return d.Name + "/" + string(d.Mode)
}

// InstanceFilter returns false for instances that must not be forwarded.
// Those instances are deleted.
type InstanceFilter func(ctx context.Context, client orthanc.ResourceClient, instanceID string) (bool, error)

// InstanceProcessor modifies an instance in place before it is forwarded.
// It must be idempotent.
type InstanceProcessor func(ctx context.Context, client orthanc.ResourceClient, instanceID string) error

// Config configures a Forwarder. Zero values take defaults.
type Config struct {
	Destinations      []Destination
	Trigger           types.ChangeType // StableStudy (default), StableSeries or NewInstance
	Workers           int              // default 3
	PollingInterval   time.Duration    // default 1s
	MaxStartupRetries uint64           // default 5

	Filter    InstanceFilter
	Processor InstanceProcessor

	// OnForwarded is called for every confirmed destination on each pass,
	// including destinations confirmed by an earlier pass
	OnForwarded func(set *orthanc.InstancesSet, destination string)
	// OnForwardError is called each time a set failed to reach a destination
	OnForwardError func(set *orthanc.InstancesSet, destination string, err error)

	Status  StatusStore
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Forwarder moves instances sets from source to its destinations
type Forwarder struct {
	source orthanc.ResourceClient
	cfg    Config
	level  types.ResourceType
	logger *slog.Logger
}

// New validates cfg and fills its defaults
func New(source orthanc.ResourceClient, cfg Config) (*Forwarder, error) {
	if len(cfg.Destinations) == 0 {
		return nil, ErrNoDestination
	}
	for _, d := range cfg.Destinations {
		if err := validateDestination(d); err != nil {
			return nil, err
		}
	}

	if cfg.Trigger == "" {
		cfg.Trigger = types.ChangeStableStudy
	}
	level, err := triggerLevel(cfg.Trigger)
	if err != nil {
		return nil, err
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = time.Second
	}
	if cfg.MaxStartupRetries == 0 {
		cfg.MaxStartupRetries = 5
	}
	if cfg.Status == nil {
		cfg.Status = NewMemoryStatusStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Forwarder{
		source: source,
		cfg:    cfg,
		level:  level,
		logger: cfg.Logger.With("component", "forwarder", "trigger", string(cfg.Trigger)),
	}, nil
}

func validateDestination(d Destination) error {
	if d.Name == "" {
		return jujuerrors.NotValidf("destination without name")
	}
	if _, err := ParseMode(string(d.Mode)); err != nil {
		return jujuerrors.NewNotValid(err, "destination "+d.Name)
	}
	if d.Alternate != nil {
		return validateDestination(*d.Alternate)
	}
	return nil
}

func triggerLevel(trigger types.ChangeType) (types.ResourceType, error) {
	switch trigger {
	case types.ChangeStableStudy:
		return types.ResourceStudy, nil
	case types.ChangeStableSeries:
		return types.ResourceSeries, nil
	case types.ChangeNewInstance:
		return types.ResourceInstance, nil
	}
	return "", jujuerrors.NotValidf("forwarder trigger %q", trigger)
}

// ============================================================================
// Run loop
// ============================================================================

// Run waits for the source, checks its configuration, then handles all
// content every polling interval until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.WaitStarted(ctx); err != nil {
		return err
	}

	f.logger.Info("forwarder started",
		"destinations", len(f.cfg.Destinations),
		"workers", f.cfg.Workers,
		"polling_interval", f.cfg.PollingInterval)

	for {
		if err := f.HandleAllContent(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("handling content failed", "error", err)
		}

		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return nil
		case <-f.cfg.Clock.After(f.cfg.PollingInterval):
		}
	}
}

// WaitStarted waits until the source answers, then refuses an in-place
// processor on a server that keeps the original of re-uploaded instances.
func (f *Forwarder) WaitStarted(ctx context.Context) error {
	if err := orthanc.WaitStarted(ctx, f.source, f.cfg.MaxStartupRetries-1, f.cfg.PollingInterval); err != nil {
		f.logger.Error("could not connect to Orthanc at startup", "error", err)
		return err
	}

	system, err := f.source.GetSystem(ctx)
	if err != nil {
		f.logger.Warn("unable to check OverwriteInstances configuration", "error", err)
		return nil
	}
	if f.cfg.Processor != nil && !system.OverwriteInstances {
		f.logger.Error("an instance processor requires OverwriteInstances to be true")
		return ErrOverwriteDisabled
	}
	return nil
}

// HandleAllContent handles every group currently stored at the trigger
// level and returns once all workers are done.
func (f *Forwarder) HandleAllContent(ctx context.Context) error {
	ids, err := f.source.ListIDs(ctx, f.level)
	if err != nil {
		return fmt.Errorf("listing %s: %w", f.level, err)
	}
	if len(ids) == 0 {
		f.logger.Debug("nothing to forward", "level", string(f.level))
		return nil
	}

	pool := monitor.NewPool(f.cfg.Workers + 1)
	if err := pool.Start(f.cfg.Workers, func(id int, queue <-chan *types.Change) {
		for c := range queue {
			if c == nil {
				return
			}
			f.handleResource(ctx, c.ResourceID)
		}
	}); err != nil {
		return err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := pool.Submit(types.Change{ResourceType: f.level, ResourceID: id}); err != nil {
			break
		}
	}
	pool.Stop()
	return ctx.Err()
}

// handleResource expands a group and handles it, logging failures so one
// bad group does not stop the others
func (f *Forwarder) handleResource(ctx context.Context, id string) {
	set, err := f.source.GetInstancesSet(ctx, f.level, id)
	if err != nil {
		if orthanc.IsNotFound(err) {
			f.logger.Debug("resource vanished before handling", "level", string(f.level), "id", id)
			return
		}
		f.logger.Info("error while expanding resource", "level", string(f.level), "id", id, "error", err)
		return
	}
	if err := f.HandleInstancesSet(ctx, set); err != nil {
		f.logger.Error("error while handling resource", "level", string(f.level), "id", id, "error", err)
	}
}

// ============================================================================
// Instances set handling
// ============================================================================

// HandleInstancesSet filters, processes, forwards and deletes one set.
// The returned error only reports status store or deletion failures;
// forwarding failures are scheduled for retry.
func (f *Forwarder) HandleInstancesSet(ctx context.Context, set *orthanc.InstancesSet) error {
	logger := f.logger.With("set", set.ID, "level", string(set.Level))

	status, err := f.cfg.Status.Get(ctx, set.ID)
	if err != nil {
		return err
	}
	if status == nil {
		status = &Status{}
	} else if !status.NextRetry.IsZero() && f.cfg.Clock.Now().Before(status.NextRetry) {
		logger.Debug("skipping while waiting for retry", "next_retry", status.NextRetry)
		return nil
	}

	logger.Info("handling", "instances", set.Count())

	if err := f.filter(ctx, set, logger); err != nil {
		return err
	}
	if set.Count() == 0 {
		logger.Info("every instance has been filtered out")
		return f.cfg.Status.Delete(ctx, set.ID)
	}

	if !status.Processed {
		status.Processed = f.process(ctx, set, logger)
	} else {
		logger.Info("skipping processing that has already been performed")
	}

	status.SentTo = f.forward(ctx, set, status, logger)

	if len(status.SentTo) == len(f.cfg.Destinations) {
		return f.delete(ctx, set, logger)
	}

	delay := RetryIntervals[min(status.RetryCount, len(RetryIntervals)-1)]
	status.NextRetry = f.cfg.Clock.Now().Add(delay)
	status.RetryCount++
	logger.Info("forwarding failed, will retry", "next_retry", status.NextRetry, "retry_count", status.RetryCount)
	return f.cfg.Status.Put(ctx, set.ID, status)
}

// filter deletes the instances the filter rejects and drops them from set
func (f *Forwarder) filter(ctx context.Context, set *orthanc.InstancesSet, logger *slog.Logger) error {
	if f.cfg.Filter == nil {
		return nil
	}

	var rejected []string
	for _, id := range set.InstancesIDs() {
		keep, err := f.cfg.Filter(ctx, f.source, id)
		if err != nil {
			return fmt.Errorf("filtering instance %s: %w", id, err)
		}
		if !keep {
			rejected = append(rejected, id)
		}
	}
	if len(rejected) == 0 {
		return nil
	}

	logger.Info("deleting instances that have been filtered out", "count", len(rejected))
	for _, id := range rejected {
		if err := f.source.DeleteInstance(ctx, id); err != nil && !orthanc.IsNotFound(err) {
			return fmt.Errorf("deleting filtered instance %s: %w", id, err)
		}
		set.Remove(id)
	}
	return nil
}

// process runs the processor on every instance and reports whether it
// succeeded. A failed set is forwarded anyway and processed again on retry.
func (f *Forwarder) process(ctx context.Context, set *orthanc.InstancesSet, logger *slog.Logger) bool {
	if f.cfg.Processor == nil {
		return true
	}

	logger.Info("processing")
	for _, id := range set.InstancesIDs() {
		if err := f.cfg.Processor(ctx, f.source, id); err != nil {
			logger.Error("error while processing", "instance_id", id, "error", err)
			return false
		}
	}
	logger.Info("processing done")
	return true
}

// forward sends set to every destination not confirmed yet and returns
// the confirmed destinations
func (f *Forwarder) forward(ctx context.Context, set *orthanc.InstancesSet, status *Status, logger *slog.Logger) []string {
	var confirmed []string

	for _, dest := range f.cfg.Destinations {
		if status.sentTo(dest.Name) {
			logger.Info("already sent", "destination", dest.String())
			confirmed = append(confirmed, dest.Name)
			if f.cfg.OnForwarded != nil {
				f.cfg.OnForwarded(set, dest.Name)
			}
			continue
		}

		used, err := f.sendWithAlternate(ctx, set, dest, logger)
		if err != nil {
			if f.cfg.OnForwardError != nil {
				f.cfg.OnForwardError(set, dest.Name, err)
			}
			continue
		}

		confirmed = append(confirmed, dest.Name)
		if f.cfg.OnForwarded != nil {
			f.cfg.OnForwarded(set, used)
		}
	}
	return confirmed
}

// sendWithAlternate tries dest then its alternates in turn and returns the
// name of the destination that accepted the set
func (f *Forwarder) sendWithAlternate(ctx context.Context, set *orthanc.InstancesSet, dest Destination, logger *slog.Logger) (string, error) {
	current := &dest
	var lastErr error
	for current != nil {
		logger.Info("sending", "destination", current.String())
		err := f.send(ctx, set, *current, logger)
		f.cfg.Metrics.RecordForward(current.Name, err)
		if err == nil {
			logger.Info("sent", "destination", current.String())
			return current.Name, nil
		}
		logger.Error("error while forwarding", "destination", current.String(), "error", err)
		lastErr = err
		current = current.Alternate
	}
	return "", lastErr
}

func (f *Forwarder) send(ctx context.Context, set *orthanc.InstancesSet, dest Destination, logger *slog.Logger) error {
	switch dest.Mode {
	case ModeDicom:
		return f.source.SendToModality(ctx, dest.Name, set.InstancesIDs())

	case ModeDicomSeriesBySeries:
		for _, series := range set.SeriesIDs {
			if err := f.source.SendToModality(ctx, dest.Name, set.SeriesInstances(series)); err != nil {
				return err
			}
		}
		return nil

	case ModeDicomWeb:
		for _, series := range set.SeriesIDs {
			if err := f.source.SendToDicomWeb(ctx, dest.Name, set.SeriesInstances(series)); err != nil {
				return err
			}
		}
		return nil

	case ModeDicomWebSeriesBySeries:
		for _, series := range set.SeriesIDs {
			size, err := f.source.SeriesUncompressedSize(ctx, series)
			if err != nil {
				return err
			}
			if size <= LargeSeriesSize {
				if err := f.source.SendToDicomWeb(ctx, dest.Name, set.SeriesInstances(series)); err != nil {
					return err
				}
				continue
			}
			logger.Info("series larger than 1 GB, sending instance by instance", "series_id", series, "size", size)
			for _, id := range set.SeriesInstances(series) {
				if err := f.source.SendToDicomWeb(ctx, dest.Name, []string{id}); err != nil {
					return err
				}
			}
		}
		return nil

	case ModePeering:
		return f.source.SendToPeer(ctx, dest.Name, set.InstancesIDs())

	case ModeTransfer:
		return f.source.Transfer(ctx, dest.Name, types.ResourceInstance, set.InstancesIDs())
	}
	return jujuerrors.NotSupportedf("forwarder mode %q", dest.Mode)
}

// delete removes the set from the source along with its status
func (f *Forwarder) delete(ctx context.Context, set *orthanc.InstancesSet, logger *slog.Logger) error {
	logger.Info("deleting")
	if err := f.cfg.Status.Delete(ctx, set.ID); err != nil {
		return err
	}
	if err := f.source.DeleteResource(ctx, set.Level, set.ID); err != nil && !orthanc.IsNotFound(err) {
		return fmt.Errorf("deleting %s %s: %w", set.Level, set.ID, err)
	}
	logger.Info("handling done")
	return nil
}
