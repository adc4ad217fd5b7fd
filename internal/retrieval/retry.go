package retrieval

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"manualrag/internal/domain"
)

// RetryPolicy bounds how often and how fast a failed generation call is
// repeated. Only errors accepted by Retryable are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to this fraction, in [0, 1].
	Jitter    float64
	Retryable func(error) bool

	// sleep and rand are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// DefaultRetryPolicy retries transient generation failures three times in
// total, starting at 200ms and capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// IsTransient is the default failure classifier.
func IsTransient(err error) bool { return errors.Is(err, domain.ErrTransientGeneration) }

// Delay returns the backoff after the given 1-based attempt: BaseDelay
// doubled per attempt, capped at MaxDelay, then jittered.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*r())
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx ends. It reports how many attempts were made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == limit {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, err
		}
	}
	return limit, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
