package searcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// A Role determines which actions a participant may take
// on an Op.
type Role int

const (
	Worker Role = iota
	Chief
)

func (r Role) String() string {
	if r == Chief {
		return "chief"
	}
	return "worker"
}

// A Completion is the final outcome of an Op.
type Completion struct {
	Metric float64
}

// An Op is one unit of training assigned by the master.
//
// Every participant gets its own Op with the same length
// for each round, but only the chief's Op can report to
// the master. The chief must call Complete() exactly once
// before asking for the next Op.
type Op struct {
	coord   Coordinator
	trialID int
	length  uint64
	role    Role
	logger  *zap.Logger

	// nil while the op is pending.
	completion *Completion
}

// Length is the absolute (not incremental) length to
// train for, in the experiment's configured units.
func (o *Op) Length() uint64 {
	return o.length
}

// Role returns the role of the participant that owns the
// op.
func (o *Op) Role() Role {
	return o.role
}

// Completed reports whether Complete() has succeeded.
func (o *Op) Completed() bool {
	return o.completion != nil
}

// Metric returns the searcher metric passed to Complete(),
// if the op has been completed.
func (o *Op) Metric() (float64, bool) {
	if o.completion == nil {
		return 0, false
	}
	return o.completion.Metric, true
}

// ReportProgress reports unitless training progress to
// the master. It is optional, but it lets the master show
// accurate progress for the trial.
//
// Once the op is completed, the only progress that may be
// reported is the op's full length.
func (o *Op) ReportProgress(ctx context.Context, progress float64) error {
	var errs []error
	if o.role != Chief {
		errs = append(errs, fmt.Errorf("%w: op.ReportProgress() may only be called from the chief",
			ErrRoleViolation))
	}
	if o.completion != nil && progress != float64(o.length) {
		errs = append(errs, fmt.Errorf("%w: op.ReportProgress(%v) called after op.Complete()",
			ErrStateViolation, progress))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	o.logger.Debug("op.report_progress", zap.Float64("progress", progress))
	return o.coord.ReportProgress(ctx, o.trialID, progress)
}

// Complete finishes the op with the metric being searched
// over. The metric must be finite.
//
// Complete may be called at most once, even if the report
// to the master fails.
func (o *Op) Complete(ctx context.Context, metric float64) error {
	var errs []error
	if o.role != Chief {
		errs = append(errs, fmt.Errorf("%w: op.Complete() may only be called from the chief",
			ErrRoleViolation))
	}
	if o.completion != nil {
		errs = append(errs, fmt.Errorf("%w: op.Complete() may only be called once",
			ErrStateViolation))
	}
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidMetric, metric))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	// A failed send still counts as the completion.
	o.completion = &Completion{Metric: metric}
	o.logger.Debug("op.complete", zap.Uint64("length", o.length), zap.Float64("metric", metric))
	return o.coord.CompleteOperation(ctx, o.trialID, o.length, metric)
}
