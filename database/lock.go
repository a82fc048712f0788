package database

import (
	"context"
	"time"
)

// LockPollInterval is how often AdvisoryLock implementations retry while
// waiting for a held lock.
var LockPollInterval = 250 * time.Millisecond

// PollLock calls try until it reports the lock taken, wait elapses or ctx
// ends. A zero wait calls try exactly once.
func PollLock(ctx context.Context, wait time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try(ctx)
		if err != nil || ok {
			return ok, err
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return false, nil
		}

		sleep := LockPollInterval
		if remaining := time.Until(deadline); remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
