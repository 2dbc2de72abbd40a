package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the checkpoint under a single key.
// SET replaces the value atomically.
type RedisStore struct {
	client redis.Cmdable
	key    string
	logger *slog.Logger
}

// NewRedisStore creates a checkpoint store for the monitor called name
func NewRedisStore(client redis.Cmdable, name string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		key:    "orthanc-relay:checkpoint:" + name,
		logger: logger,
	}
}

func (s *RedisStore) Read(ctx context.Context) (uint64, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		s.logger.Warn("checkpoint key not found, starting at 0", "key", s.key)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", s.key, err)
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.logger.Warn("could not parse checkpoint value, starting at 0", "key", s.key, "error", err)
		return 0, nil
	}

	s.logger.Info("resuming from redis checkpoint", "key", s.key, "sequence_id", id)
	return id, nil
}

func (s *RedisStore) Write(ctx context.Context, id uint64) error {
	if err := s.client.Set(ctx, s.key, strconv.FormatUint(id, 10), 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrWriteFailed, s.key, err)
	}
	return nil
}

// Key returns the redis key holding the checkpoint
func (s *RedisStore) Key() string {
	return s.key
}
