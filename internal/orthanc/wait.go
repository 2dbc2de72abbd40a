package orthanc

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotStarted is returned by WaitStarted when the server never answered
var ErrNotStarted = errors.New("orthanc server did not start")

// WaitStarted polls IsAlive every interval, at most maxRetries extra times.
func WaitStarted(ctx context.Context, client ResourceClient, maxRetries uint64, interval time.Duration) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		if client.IsAlive(ctx) {
			return nil
		}
		return ErrNotStarted
	}, policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
