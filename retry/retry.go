// Package retry implements the bounded exponential backoff policy applied to
// upstream service calls.
package retry

import (
	"context"
	"time"
)

// Policy bounds the retry loop for one logical upstream call.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy matches the service-wide budget: three attempts with a 500ms
// initial backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, MinBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// Do invokes fn until it succeeds, returns a non-retriable error, or the
// attempt budget is exhausted. fn reports retriability alongside its error.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) (retriable bool, err error)) error {
	policy = policy.normalized()
	backoff := policy.MinBackoff
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		retriable, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, policy.MaxBackoff)
	}
	return lastErr
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
