package searcher

import (
	"context"

	"golang.org/x/time/rate"
)

// A ProgressThrottle limits how often progress reaches the
// master, since reporting after every batch is expensive.
//
// Reports of an op's full length are never dropped, so
// the master always sees a trial reach 100%.
type ProgressThrottle struct {
	limiter *rate.Limiter
}

// NewProgressThrottle creates a throttle that lets through
// limit reports per second, with bursts of up to burst.
func NewProgressThrottle(limit rate.Limit, burst int) *ProgressThrottle {
	return &ProgressThrottle{limiter: rate.NewLimiter(limit, burst)}
}

// Report forwards progress to op.ReportProgress() unless
// the rate limit has been exceeded.
//
// The first return value indicates whether the report
// was sent.
func (p *ProgressThrottle) Report(ctx context.Context, op *Op, progress float64) (bool, error) {
	// Misuse by a worker is reported rather than throttled.
	if op.Role() == Chief && progress != float64(op.Length()) && !p.limiter.Allow() {
		return false, nil
	}
	if err := op.ReportProgress(ctx, progress); err != nil {
		return false, err
	}
	return true, nil
}
