package util

import (
	"context"
	"time"
)

// Retry executes fn until it returns retry=false, ctx is done or the timeout
// elapses. It waits with doubling backoff between attempts and surfaces the
// last error.
func Retry(ctx context.Context, timeout time.Duration, fn func() (retry bool, err error)) error {
	deadline := time.Now().Add(timeout)
	backoff := 200 * time.Millisecond

	for {
		retry, err := fn()
		if !retry {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}
