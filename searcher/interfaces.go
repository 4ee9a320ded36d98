package searcher

import "context"

// A Descriptor is what the master hands out for a trial:
// either an op length or a signal that there are no more
// ops right now.
//
// The chief broadcasts the same Descriptor to every
// worker, since ops themselves are not transferable.
type Descriptor struct {
	Length uint64
	Done   bool
}

// A Coordinator is the client side of the master's
// searcher API.
//
// Implementations own every transport concern (retries,
// timeouts, TLS); errors they return are passed through
// to callers untouched.
type Coordinator interface {
	// NextOperation fetches the pending op for a trial.
	NextOperation(ctx context.Context, trialID int) (Descriptor, error)

	// ReportProgress reports unitless progress on the
	// current op.
	ReportProgress(ctx context.Context, trialID int, progress float64) error

	// CompleteOperation tells the master that the op of a
	// given length has finished with a searcher metric.
	CompleteOperation(ctx context.Context, trialID int, length uint64, metric float64) error

	// AcknowledgeOutOfOps tells the master that the
	// allocation is exiting because it ran out of ops.
	AcknowledgeOutOfOps(ctx context.Context, allocationID string) error
}

// Distributed is a participant's view of the group of
// processes running a trial.
type Distributed interface {
	// Rank is fixed for the lifetime of the process.
	// Rank 0 is the chief.
	Rank() int

	// Broadcast blocks until every participant has called
	// it for the current round, then returns the chief's
	// Descriptor on every participant. The argument is
	// ignored on non-chief participants.
	Broadcast(ctx context.Context, d Descriptor) (Descriptor, error)
}

// Solo is the Distributed view of a trial with a single
// participant.
type Solo struct{}

// Rank always returns 0.
func (Solo) Rank() int {
	return 0
}

// Broadcast returns d immediately.
func (Solo) Broadcast(ctx context.Context, d Descriptor) (Descriptor, error) {
	return d, nil
}
