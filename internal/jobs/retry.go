package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls how failed scheduled jobs are retried. Attempts are
// counted from the first run, so MaxAttempts of 1 or less disables retries.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (1-based): BaseDelay
// doubled for every earlier retry, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}

	var d time.Duration
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Permanent marks err as not worth retrying. The runner hands the
// unwrapped error to the job's DoneFunc.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
