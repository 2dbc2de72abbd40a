// Package config loads the orthanc-relay configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/orthanc-relay/internal/forwarder"
	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/internal/replicator"
	"github.com/ChuLiYu/orthanc-relay/internal/scheduler"
	"github.com/ChuLiYu/orthanc-relay/internal/server"
)

// Checkpoint backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Forwarder status backends
const (
	StatusMemory = "memory"
	StatusRedis  = "redis"
)

const redacted = "******"

type (
	// Config is the configuration of every orthanc-relay command
	Config struct {
		Source      orthanc.Config         `yaml:"source" env-prefix:"SOURCE_"`
		Destination orthanc.Config         `yaml:"destination" env-prefix:"DESTINATION_"`
		Monitor     Monitor                `yaml:"monitor"`
		Checkpoint  Checkpoint             `yaml:"checkpoint"`
		Scheduler   scheduler.Config       `yaml:"scheduler"`
		Cloner      Cloner                 `yaml:"cloner"`
		Forwarder   Forwarder              `yaml:"forwarder"`
		Kafka       replicator.KafkaConfig `yaml:"kafka" env-prefix:"KAFKA_"`
		Server      server.Config          `yaml:"server"`
		Redis       Redis                  `yaml:"redis"`
		Log         Log                    `yaml:"log"`
	}

	// Monitor tunes the change-log engine
	Monitor struct {
		Workers             int           `yaml:"workers" env:"WORKERS" env-default:"1"`
		QueueSize           int           `yaml:"queue-size" env:"QUEUE_SIZE"`
		BatchSize           int           `yaml:"batch-size" env:"BATCH_SIZE" env-default:"100"`
		PollingInterval     time.Duration `yaml:"polling-interval" env:"POLLING_INTERVAL" env-default:"500ms"`
		MaxRetries          int           `yaml:"max-retries" env:"MAX_RETRIES" env-default:"5"`
		StartAt             uint64        `yaml:"start-at" env:"START_AT"`
		ErrorDir            string        `yaml:"error-dir" env:"ERROR_DIR"`
		ExistingChangesOnly bool          `yaml:"existing-changes-only" env:"EXISTING_CHANGES_ONLY"`
	}

	// Checkpoint selects where the resume id is persisted
	Checkpoint struct {
		Backend     string `yaml:"backend" env:"CHECKPOINT_BACKEND" env-default:"file"`
		Path        string `yaml:"path" env:"CHECKPOINT_PATH" env-default:"orthanc-relay.checkpoint"`
		Name        string `yaml:"name" env:"CHECKPOINT_NAME" env-default:"default"`
		PostgresDSN string `yaml:"postgres-dsn" env:"CHECKPOINT_POSTGRES_DSN"`
	}

	// Cloner selects the cloning mode
	Cloner struct {
		Mode             string `yaml:"mode" env:"CLONER_MODE" env-default:"Default"`
		DestinationPeer  string `yaml:"destination-peer" env:"CLONER_DESTINATION_PEER"`
		DestinationDicom string `yaml:"destination-dicom" env:"CLONER_DESTINATION_DICOM"`
	}

	// Forwarder lists destinations. Destination and Mode describe a single
	// destination from the environment; Destinations is the YAML form.
	Forwarder struct {
		Destination     string                  `yaml:"destination" env:"FORWARDER_DESTINATION"`
		Mode            string                  `yaml:"mode" env:"FORWARDER_MODE" env-default:"dicom"`
		Destinations    []forwarder.Destination `yaml:"destinations"`
		Trigger         string                  `yaml:"trigger" env:"FORWARDER_TRIGGER" env-default:"StableStudy"`
		Workers         int                     `yaml:"workers" env:"FORWARDER_WORKERS" env-default:"3"`
		PollingInterval time.Duration           `yaml:"polling-interval" env:"FORWARDER_POLLING_INTERVAL" env-default:"1s"`
		StatusBackend   string                  `yaml:"status-backend" env:"FORWARDER_STATUS_BACKEND" env-default:"memory"`
		StatusTTL       time.Duration           `yaml:"status-ttl" env:"FORWARDER_STATUS_TTL" env-default:"168h"`
	}

	// Redis is shared by the redis checkpoint and forwarder status backends
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
	}

	// Log configures the slog handler
	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
	}
)

// Load reads path, then applies environment overrides. A missing file
// falls back to the environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		err := cleanenv.ReadConfig(path, cfg)
		if err == nil {
			return cfg, cfg.Validate()
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case BackendFile, BackendPostgres, BackendRedis, BackendNone:
	default:
		return fmt.Errorf("invalid checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == BackendPostgres && c.Checkpoint.PostgresDSN == "" {
		return errors.New("checkpoint backend postgres requires postgres-dsn")
	}

	switch c.Forwarder.StatusBackend {
	case StatusMemory, StatusRedis:
	default:
		return fmt.Errorf("invalid forwarder status backend %q", c.Forwarder.StatusBackend)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

// ForwarderDestinations returns the YAML destinations, or the single
// destination given by Destination and Mode
func (c *Config) ForwarderDestinations() ([]forwarder.Destination, error) {
	if len(c.Forwarder.Destinations) > 0 {
		return c.Forwarder.Destinations, nil
	}
	if c.Forwarder.Destination == "" {
		return nil, forwarder.ErrNoDestination
	}
	mode, err := forwarder.ParseMode(c.Forwarder.Mode)
	if err != nil {
		return nil, err
	}
	return []forwarder.Destination{{Name: c.Forwarder.Destination, Mode: mode}}, nil
}

// Dump renders the effective configuration as YAML with secrets hidden
func (c *Config) Dump() ([]byte, error) {
	out := *c
	for _, s := range []*orthanc.Config{&out.Source, &out.Destination} {
		if s.Password != "" {
			s.Password = redacted
		}
		if s.APIKey != "" {
			s.APIKey = redacted
		}
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	if out.Checkpoint.PostgresDSN != "" {
		out.Checkpoint.PostgresDSN = redacted
	}
	return yaml.Marshal(&out)
}
