package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the forwarding progress of one instances set
type Status struct {
	Processed  bool      `json:"processed"`
	SentTo     []string  `json:"sent_to,omitempty"`
	RetryCount int       `json:"retry_count"`
	NextRetry  time.Time `json:"next_retry,omitempty"`
}

// sentTo reports whether destination already confirmed the set
func (s *Status) sentTo(destination string) bool {
	for _, d := range s.SentTo {
		if d == destination {
			return true
		}
	}
	return false
}

// StatusStore keeps Status by instances-set id.
// Get returns nil, nil for an unknown id.
type StatusStore interface {
	Get(ctx context.Context, id string) (*Status, error)
	Put(ctx context.Context, id string, status *Status) error
	Delete(ctx context.Context, id string) error
}

// ============================================================================
// In-memory store
// ============================================================================

// MemoryStatusStore is lost on restart, like the forwarder's in-process map
type MemoryStatusStore struct {
	mu       sync.Mutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty store
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (s *MemoryStatusStore) Get(_ context.Context, id string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return nil, nil
	}
	st.SentTo = append([]string(nil), st.SentTo...)
	return &st, nil
}

func (s *MemoryStatusStore) Put(_ context.Context, id string, status *Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := *status
	st.SentTo = append([]string(nil), status.SentTo...)
	s.statuses[id] = st
	return nil
}

func (s *MemoryStatusStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
	return nil
}

// Len is the number of sets with a pending status
func (s *MemoryStatusStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// ============================================================================
// Redis store
// ============================================================================

// RedisStatusStore keeps statuses as JSON strings so retries survive restarts
type RedisStatusStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStatusStore stores keys as "orthanc-relay:forwarder:<name>:<id>".
// A zero ttl keeps keys forever.
func NewRedisStatusStore(client redis.Cmdable, name string, ttl time.Duration) *RedisStatusStore {
	return &RedisStatusStore{
		client: client,
		prefix: "orthanc-relay:forwarder:" + name + ":",
		ttl:    ttl,
	}
}

// Key returns the redis key of an instances set
func (s *RedisStatusStore) Key(id string) string {
	return s.prefix + id
}

func (s *RedisStatusStore) Get(ctx context.Context, id string) (*Status, error) {
	raw, err := s.client.Get(ctx, s.Key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.Key(id), err)
	}

	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decoding status of %s: %w", id, err)
	}
	return &st, nil
}

func (s *RedisStatusStore) Put(ctx context.Context, id string, status *Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status of %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.Key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.Key(id), err)
	}
	return nil
}

func (s *RedisStatusStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.Key(id)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.Key(id), err)
	}
	return nil
}
