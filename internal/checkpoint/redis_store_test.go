package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements only GET and SET; any other command panics on the nil embedded interface
type fakeRedis struct {
	redis.Cmdable
	values map[string]string
	err    error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := &fakeRedis{values: map[string]string{}}
	store := NewRedisStore(client, "clone", nil)

	id, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	require.NoError(t, store.Write(ctx, 77))
	assert.Equal(t, "77", client.values["orthanc-relay:checkpoint:clone"])

	id, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)
}

func TestRedisStoreCorruptValue(t *testing.T) {
	client := &fakeRedis{values: map[string]string{"orthanc-relay:checkpoint:clone": "xyz"}}
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	id, err := NewRedisStore(client, "clone", logger).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "could not parse checkpoint value")
}

func TestRedisStoreWriteFailure(t *testing.T) {
	client := &fakeRedis{values: map[string]string{}, err: errors.New("READONLY")}

	err := NewRedisStore(client, "clone", nil).Write(context.Background(), 1)
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestRedisStoreWriteKeepsCause(t *testing.T) {
	client := &fakeRedis{values: map[string]string{}, err: context.Canceled}

	err := NewRedisStore(client, "clone", nil).Write(context.Background(), 1)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, context.Canceled)
}
