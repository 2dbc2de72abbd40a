package replicator

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig locates the brokers and the consumer group
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID string   `yaml:"group-id" env:"GROUP_ID" env-default:"orthanc-relay"`
	Topics  Topics   `yaml:"topics" env-prefix:"TOPIC_"`
	// StartOffset is "earliest" or "latest", used when the group has no offset yet
	StartOffset string `yaml:"start-offset" env:"START_OFFSET" env-default:"earliest"`
}

// NewKafkaStreams opens one group reader per topic and a writer that routes
// on each message's topic
func NewKafkaStreams(cfg KafkaConfig) Streams {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: false,
	}

	startOffset := kafka.FirstOffset
	if cfg.StartOffset == "latest" {
		startOffset = kafka.LastOffset
	}

	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			Dialer:      dialer,
			StartOffset: startOffset,
		})
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return Streams{
		Forward: newReader(cfg.Topics.Forward),
		Delete:  newReader(cfg.Topics.Delete),
		Standby: newReader(cfg.Topics.Standby),
		Writer:  writer,
	}
}
