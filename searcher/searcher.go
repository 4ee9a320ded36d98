// Package searcher gives a trial direct access to the ops
// emitted by the master's search algorithm.
//
// Each op has a unitless length to train for. The chief
// completes an op by reporting the metric being searched
// over. During a multi-worker trial, the chief fetches
// every op from the master and broadcasts its length to
// the workers, so advancing the op iterator is a
// synchronization point across all participants.
//
// Since the experiment configuration chose the units of
// the searcher, it is up to the caller to interpret an
// op's length as epochs, batches, records, etc.
package searcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// TrialInfo identifies the trial and allocation that a
// Searcher reports for.
type TrialInfo struct {
	TrialID      int
	RunID        int
	AllocationID string

	// Units are usually obtained with ParseUnits().
	Units Unit
}

// A Searcher produces ops for one participant of a trial.
type Searcher struct {
	coord  Coordinator
	dist   Distributed
	info   TrialInfo
	logger *zap.Logger
}

// New creates a Searcher which fetches ops from coord and
// synchronizes participants through dist.
//
// If logger is nil, nothing is logged.
func New(coord Coordinator, dist Distributed, info TrialInfo, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		coord: coord,
		dist:  dist,
		info:  info,
		logger: logger.With(
			zap.String("component", "searcher"),
			zap.Int("trial_id", info.TrialID),
			zap.Int("rank", dist.Rank()),
		),
	}
}

// Rank returns the participant's rank.
func (s *Searcher) Rank() int {
	return s.dist.Rank()
}

// ConfiguredUnits reports which units were used in the
// searcher section of the experiment configuration, or
// Unconfigured if there were none.
func (s *Searcher) ConfiguredUnits() Unit {
	return s.info.Units
}

// AcknowledgeOutOfOps tells the master that this process
// is shutting down because the searcher has no more ops
// for it at this time. This lets the master know that it
// is safe to start a new process for the trial if more
// ops are created later.
//
// It is called automatically at the end of iteration,
// unless auto-acknowledgment was disabled.
// Each call sends another signal.
func (s *Searcher) AcknowledgeOutOfOps(ctx context.Context) error {
	s.logger.Debug("acknowledge_out_of_ops", zap.String("allocation_id", s.info.AllocationID))
	return s.coord.AcknowledgeOutOfOps(ctx, s.info.AllocationID)
}

// An OpsOption configures iteration over ops.
type OpsOption func(o *opsOptions)

type opsOptions struct {
	chiefOnly bool
	autoAck   bool
}

// WithChiefOnly skips broadcasting ops to other workers.
// Only the chief may iterate in this mode; it is meant for
// trials that only have a single participant doing work.
func WithChiefOnly(chiefOnly bool) OpsOption {
	return func(o *opsOptions) {
		o.chiefOnly = chiefOnly
	}
}

// WithAutoAck controls whether the chief acknowledges
// running out of ops when iteration ends.
// It defaults to true.
func WithAutoAck(autoAck bool) OpsOption {
	return func(o *opsOptions) {
		o.autoAck = autoAck
	}
}

// Ops starts iterating through all of the ops the searcher
// has to offer.
//
// Regardless of the options, the chief (and only the
// chief) must complete every op it receives, since the
// master needs an unambiguous report of when each op is
// done.
func (s *Searcher) Ops(options ...OpsOption) (*Ops, error) {
	opts := opsOptions{autoAck: true}
	for _, o := range options {
		o(&opts)
	}
	if opts.chiefOnly && s.dist.Rank() != 0 {
		return nil, fmt.Errorf("%w: chief-only iteration requested from rank %d",
			ErrRoleViolation, s.dist.Rank())
	}
	if p, ok := s.coord.(passStarter); ok {
		p.startPass()
	}
	return &Ops{searcher: s, opts: opts}, nil
}

// A passStarter is a Coordinator whose ops depend on the
// pass over Ops() they are fetched in.
type passStarter interface {
	startPass()
}

func (s *Searcher) newOp(length uint64, role Role) *Op {
	return &Op{
		coord:   s.coord,
		trialID: s.info.TrialID,
		length:  length,
		role:    role,
		logger:  s.logger,
	}
}
