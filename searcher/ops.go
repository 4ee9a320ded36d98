package searcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Ops iterates through a Searcher's ops.
//
// Usage follows bufio.Scanner:
//
//	it, err := s.Ops()
//	...
//	for it.Next(ctx) {
//		op := it.Op()
//		for trained < op.Length() {
//			trainBatch()
//			trained++
//		}
//		if err := op.Complete(ctx, validate()); err != nil {
//			...
//		}
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
//
// Every call to Next() is one round of the protocol and
// blocks until all participants have reached it.
type Ops struct {
	searcher *Searcher
	opts     opsOptions

	round int
	cur   *Op
	err   error
	done  bool
}

// Next waits for the next op.
//
// It returns false once the searcher is out of ops or an
// error occurs. Any error is available through Err().
func (o *Ops) Next(ctx context.Context) bool {
	if o.done {
		return false
	}
	var desc Descriptor
	var err error
	if o.searcher.dist.Rank() == 0 {
		desc, err = o.nextChief(ctx)
	} else {
		desc, err = o.nextWorker(ctx)
	}
	if err != nil {
		o.fail(err)
		return false
	}
	o.round++
	if desc.Done {
		o.cur = nil
		o.done = true
		return false
	}
	role := Worker
	if o.searcher.dist.Rank() == 0 {
		role = Chief
	}
	o.cur = o.searcher.newOp(desc.Length, role)
	return true
}

func (o *Ops) nextChief(ctx context.Context) (Descriptor, error) {
	if o.cur != nil && !o.cur.Completed() {
		return Descriptor{}, fmt.Errorf("%w: op.Complete() was not called on op %d (length %d)",
			ErrIncompleteOperation, o.round, o.cur.Length())
	}

	s := o.searcher
	s.logger.Debug("fetching op", zap.Int("round", o.round))
	desc, err := s.coord.NextOperation(ctx, s.info.TrialID)
	if err != nil {
		return Descriptor{}, err
	}

	if !o.opts.chiefOnly {
		// Workers build their own ops from the descriptor.
		if _, err := s.dist.Broadcast(ctx, desc); err != nil {
			return Descriptor{}, err
		}
	}

	if desc.Done && o.opts.autoAck {
		if err := s.AcknowledgeOutOfOps(ctx); err != nil {
			return Descriptor{}, err
		}
	}
	return desc, nil
}

func (o *Ops) nextWorker(ctx context.Context) (Descriptor, error) {
	s := o.searcher
	s.logger.Debug("waiting for op", zap.Int("round", o.round))
	return s.dist.Broadcast(ctx, Descriptor{})
}

func (o *Ops) fail(err error) {
	o.searcher.logger.Error("op iteration failed", zap.Int("round", o.round), zap.Error(err))
	o.err = err
	o.cur = nil
	o.done = true
}

// Op returns the op produced by the last successful call
// to Next().
func (o *Ops) Op() *Op {
	return o.cur
}

// Err returns the error that stopped iteration, if any.
// It returns nil if the searcher simply ran out of ops.
func (o *Ops) Err() error {
	return o.err
}

// Rounds returns the number of completed broadcast rounds,
// including the final out-of-ops round.
func (o *Ops) Rounds() int {
	return o.round
}
