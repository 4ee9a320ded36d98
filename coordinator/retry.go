package coordinator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// A RetryPolicy controls how failed requests to the
// master are retried.
//
// Only network failures and 5xx responses are retried;
// anything else is returned to the caller immediately.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first
	// attempt. Zero disables retries.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`

	// Multiplier scales the delay after every attempt.
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`

	// Jitter randomizes each delay by up to ±25%.
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// DefaultRetryPolicy returns the policy used when none is
// configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 500 * time.Millisecond
	}
	if r.MaxDelay < r.InitialDelay {
		r.MaxDelay = r.InitialDelay
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2.0
	}
	return r
}

// Delay returns the backoff before the given retry,
// starting at 1.
func (r RetryPolicy) Delay(retry int) time.Duration {
	r = r.normalized()
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(retry-1))
	delay = math.Min(delay, float64(r.MaxDelay))
	if r.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}
	return time.Duration(math.Max(delay, float64(r.InitialDelay)))
}

// retryable reports whether a request that failed with err
// may be attempted again.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
