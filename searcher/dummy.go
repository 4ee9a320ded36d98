package searcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// NewDummy creates a Searcher for running a trial without
// a master, e.g. for local testing.
//
// Each pass over Ops() yields a single op of the given
// length, using the same broadcast synchronization and
// completion rules as a real Searcher. Progress and
// completions are only logged, acknowledging that the
// searcher is out of ops does nothing, and the configured
// units are always Epochs.
func NewDummy(dist Distributed, length uint64, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	coord := &offlineCoordinator{
		length: length,
		logger: logger.With(zap.String("component", "dummy-searcher")),
	}
	return New(coord, dist, TrialInfo{Units: Epochs}, logger)
}

// offlineCoordinator serves one op per pass over Ops(),
// then reports that it is out of ops.
type offlineCoordinator struct {
	lock   sync.Mutex
	length uint64
	served bool
	logger *zap.Logger
}

func (o *offlineCoordinator) startPass() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.served = false
}

func (o *offlineCoordinator) NextOperation(ctx context.Context, trialID int) (Descriptor, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.served {
		return Descriptor{Done: true}, nil
	}
	o.served = true
	return Descriptor{Length: o.length}, nil
}

func (o *offlineCoordinator) ReportProgress(ctx context.Context, trialID int, progress float64) error {
	o.logger.Info("progress report", zap.Float64("progress", progress), zap.Uint64("length", o.length))
	return nil
}

func (o *offlineCoordinator) CompleteOperation(ctx context.Context, trialID int, length uint64,
	metric float64) error {
	o.logger.Info("op complete", zap.Uint64("length", length), zap.Float64("searcher_metric", metric))
	return nil
}

func (o *offlineCoordinator) AcknowledgeOutOfOps(ctx context.Context, allocationID string) error {
	return nil
}
