// Package replicator mirrors a source Orthanc into a destination from
// instance-id messages published on Kafka topics.
//
// A Lua script on the source publishes the id of every stored instance on the
// forward topic and of every deleted instance on the delete topic. Failed
// messages are parked on a standby topic with a not-before header and
// republished to their original topic once due.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"

	"github.com/ChuLiYu/orthanc-relay/internal/metrics"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
)

const (
	HeaderNotBefore     = "not-before"
	HeaderOriginalTopic = "original-topic"
)

// Message outcomes reported to metrics
const (
	OutcomeForwarded = "forwarded"
	OutcomeDeleted   = "deleted"
	OutcomeNotFound  = "not_found"
	OutcomeStandby   = "standby"
	OutcomeRequeued  = "requeued"
)

// ErrMissingHeader is returned for a standby message without its routing headers
var ErrMissingHeader = errors.New("standby message without original-topic header")

// Reader is the consuming side of a topic; *kafka.Reader implements it
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes messages to the topic named in each message; *kafka.Writer
// implements it when created without a default topic
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Topics names the three topics
type Topics struct {
	Forward string `yaml:"forward" env:"FORWARD" env-default:"to-forward"`
	Delete  string `yaml:"delete" env:"DELETE" env-default:"to-delete"`
	Standby string `yaml:"standby" env:"STANDBY" env-default:"standby"`
}

// DefaultTopics returns the topic names the source Lua script uses
func DefaultTopics() Topics {
	return Topics{Forward: "to-forward", Delete: "to-delete", Standby: "standby"}
}

// Streams bundles a reader per topic and the shared writer
type Streams struct {
	Forward Reader
	Delete  Reader
	Standby Reader
	Writer  Writer
}

// Close closes every stream and returns the first error
func (s Streams) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{s.Forward, s.Delete, s.Standby, s.Writer} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Config tunes a Replicator. Zero values take defaults.
type Config struct {
	Topics       Topics
	StandbyDelay time.Duration // default 10s
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// Replicator consumes the forward, delete and standby topics
type Replicator struct {
	source      orthanc.ResourceClient
	destination orthanc.ResourceClient
	streams     Streams
	topics      Topics
	delay       time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// New creates a replicator over streams
func New(source, destination orthanc.ResourceClient, streams Streams, cfg Config) *Replicator {
	if cfg.Topics == (Topics{}) {
		cfg.Topics = DefaultTopics()
	}
	if cfg.StandbyDelay <= 0 {
		cfg.StandbyDelay = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replicator{
		source:      source,
		destination: destination,
		streams:     streams,
		topics:      cfg.Topics,
		delay:       cfg.StandbyDelay,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "replicator"),
		metrics:     cfg.Metrics,
	}
}

// ============================================================================
// Run
// ============================================================================

// Run waits for both servers, then consumes the three topics until ctx is
// done or a stream fails. A cancelled ctx is not an error.
func (r *Replicator) Run(ctx context.Context) error {
	if err := orthanc.WaitStarted(ctx, r.source, 4, time.Second); err != nil {
		return fmt.Errorf("waiting for source: %w", err)
	}
	if err := orthanc.WaitStarted(ctx, r.destination, 4, time.Second); err != nil {
		return fmt.Errorf("waiting for destination: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := []struct {
		topic  string
		reader Reader
		handle func(context.Context, kafka.Message) error
	}{
		{r.topics.Forward, r.streams.Forward, r.handleForward},
		{r.topics.Delete, r.streams.Delete, r.handleDelete},
		{r.topics.Standby, r.streams.Standby, r.handleStandby},
	}

	errs := make(chan error, len(loops))
	var wg sync.WaitGroup
	for _, l := range loops {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.consume(ctx, l.topic, l.reader, l.handle); err != nil {
				r.logger.Error("consumer stopped", "topic", l.topic, "error", err)
				errs <- err
				cancel()
			}
		}()
	}

	r.logger.Info("replicator started",
		"forward_topic", r.topics.Forward,
		"delete_topic", r.topics.Delete,
		"standby_topic", r.topics.Standby)

	wg.Wait()
	close(errs)
	return <-errs
}

// consume fetches, handles and commits one message at a time.
// A message is committed only after its handler returned nil.
func (r *Replicator) consume(ctx context.Context, topic string, reader Reader, handle func(context.Context, kafka.Message) error) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching from %s: %w", topic, err)
		}

		if err := handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("committing %s offset %d: %w", topic, msg.Offset, err)
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (r *Replicator) handleForward(ctx context.Context, msg kafka.Message) error {
	id := string(msg.Value)

	dicom, err := r.source.GetInstanceFile(ctx, id)
	if orthanc.IsNotFound(err) {
		r.logger.Warn("instance not found in source, probably already deleted", "instance_id", id)
		r.metrics.RecordReplication(r.topics.Forward, OutcomeNotFound)
		return nil
	}
	if err != nil {
		r.logger.Warn("unable to get instance from source, parking", "instance_id", id, "error", err)
		return r.park(ctx, msg, r.topics.Forward)
	}

	if _, err := r.destination.Upload(ctx, dicom); err != nil {
		r.logger.Warn("unable to upload instance to destination, parking", "instance_id", id, "error", err)
		return r.park(ctx, msg, r.topics.Forward)
	}

	r.logger.Debug("forwarded instance to destination", "instance_id", id)
	r.metrics.RecordReplication(r.topics.Forward, OutcomeForwarded)
	return nil
}

func (r *Replicator) handleDelete(ctx context.Context, msg kafka.Message) error {
	id := string(msg.Value)

	err := r.destination.DeleteInstance(ctx, id)
	switch {
	case orthanc.IsNotFound(err):
		r.logger.Info("instance not found in destination, probably already deleted", "instance_id", id)
		r.metrics.RecordReplication(r.topics.Delete, OutcomeNotFound)
		return nil
	case err != nil:
		r.logger.Warn("unable to delete instance from destination, parking", "instance_id", id, "error", err)
		return r.park(ctx, msg, r.topics.Delete)
	}

	r.logger.Debug("deleted instance from destination", "instance_id", id)
	r.metrics.RecordReplication(r.topics.Delete, OutcomeDeleted)
	return nil
}

// park publishes msg to the standby topic, due after the standby delay
func (r *Replicator) park(ctx context.Context, msg kafka.Message, topic string) error {
	notBefore := r.clock.Now().Add(r.delay)
	parked := kafka.Message{
		Topic: r.topics.Standby,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: HeaderNotBefore, Value: []byte(notBefore.UTC().Format(time.RFC3339Nano))},
			{Key: HeaderOriginalTopic, Value: []byte(topic)},
		},
	}
	if err := r.streams.Writer.WriteMessages(ctx, parked); err != nil {
		return fmt.Errorf("parking message from %s: %w", topic, err)
	}
	r.metrics.RecordReplication(topic, OutcomeStandby)
	return nil
}

// handleStandby waits until the message is due, then republishes it to its
// original topic. Standby messages share one delay so they come due in order.
func (r *Replicator) handleStandby(ctx context.Context, msg kafka.Message) error {
	topic := header(msg, HeaderOriginalTopic)
	if topic == "" {
		r.logger.Error("dropping standby message", "offset", msg.Offset, "error", ErrMissingHeader)
		return nil
	}

	if raw := header(msg, HeaderNotBefore); raw != "" {
		notBefore, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			r.logger.Warn("invalid not-before header, requeueing now", "value", raw, "error", err)
		} else if wait := notBefore.Sub(r.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(wait):
			}
		}
	}

	requeued := kafka.Message{Topic: topic, Key: msg.Key, Value: msg.Value}
	if err := r.streams.Writer.WriteMessages(ctx, requeued); err != nil {
		return fmt.Errorf("requeueing message to %s: %w", topic, err)
	}
	r.logger.Debug("requeued message", "topic", topic, "instance_id", string(msg.Value))
	r.metrics.RecordReplication(topic, OutcomeRequeued)
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
