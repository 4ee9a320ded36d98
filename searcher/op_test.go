package searcher_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/unixpickle/trialsearch/coordinator"
	"github.com/unixpickle/trialsearch/searcher"
)

// firstOp returns the first op seen by a participant of
// the given rank, with the given op length.
func firstOp(t require.TestingT, coord searcher.Coordinator, rank int, length uint64) *searcher.Op {
	dist := &scriptedDist{rank: rank, script: []searcher.Descriptor{{Length: length}}}
	s := searcher.New(coord, dist, searcher.TrialInfo{TrialID: 1}, nil)
	it, err := s.Ops()
	require.NoError(t, err)
	require.True(t, it.Next(context.Background()))
	return it.Op()
}

func TestOpRoles(t *testing.T) {
	ctx := context.Background()
	coord := coordinator.NewMemory(4)

	worker := firstOp(t, coord, 1, 4)
	assert.Equal(t, searcher.Worker, worker.Role())
	assert.Equal(t, "worker", worker.Role().String())
	assert.Equal(t, uint64(4), worker.Length())
	assert.ErrorIs(t, worker.ReportProgress(ctx, 1), searcher.ErrRoleViolation)
	assert.ErrorIs(t, worker.Complete(ctx, 1), searcher.ErrRoleViolation)
	assert.False(t, worker.Completed())

	chief := firstOp(t, coord, 0, 4)
	assert.Equal(t, "chief", chief.Role().String())
	assert.Equal(t, uint64(4), chief.Length())

	assert.Empty(t, coord.Progress())
	assert.Empty(t, coord.Completions())
}

func TestOpInvalidMetric(t *testing.T) {
	ctx := context.Background()
	for _, metric := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		coord := coordinator.NewMemory(4)
		op := firstOp(t, coord, 0, 4)
		assert.ErrorIs(t, op.Complete(ctx, metric), searcher.ErrInvalidMetric)
		assert.False(t, op.Completed())
		_, ok := op.Metric()
		assert.False(t, ok)

		// The op can still be completed properly.
		require.NoError(t, op.Complete(ctx, 0))
		assert.Equal(t, []coordinator.CompletionReport{{TrialID: 1, Length: 4, Metric: 0}}, coord.Completions())
	}
}

func TestOpCombinedViolations(t *testing.T) {
	ctx := context.Background()
	coord := coordinator.NewMemory(4)

	worker := firstOp(t, coord, 2, 4)
	err := worker.Complete(ctx, math.NaN())
	assert.ErrorIs(t, err, searcher.ErrRoleViolation)
	assert.ErrorIs(t, err, searcher.ErrInvalidMetric)

	chief := firstOp(t, coord, 0, 4)
	require.NoError(t, chief.Complete(ctx, 1))
	err = chief.Complete(ctx, math.NaN())
	assert.ErrorIs(t, err, searcher.ErrStateViolation)
	assert.ErrorIs(t, err, searcher.ErrInvalidMetric)
	assert.NotErrorIs(t, err, searcher.ErrRoleViolation)

	assert.Len(t, coord.Completions(), 1)
}

// failingCoordinator accepts fetches but rejects every
// report.
type failingCoordinator struct {
	*coordinator.Memory
}

func (f failingCoordinator) CompleteOperation(ctx context.Context, trialID int, length uint64,
	metric float64) error {
	return assert.AnError
}

func TestOpCompleteSendFailure(t *testing.T) {
	ctx := context.Background()
	op := firstOp(t, failingCoordinator{coordinator.NewMemory(4)}, 0, 4)
	assert.Same(t, assert.AnError, op.Complete(ctx, 1))

	// The op counts as completed, so it can never be
	// reported twice.
	assert.True(t, op.Completed())
	assert.ErrorIs(t, op.Complete(ctx, 1), searcher.ErrStateViolation)
}

func TestOpCompleteAtMostOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		length := rapid.Uint64().Draw(rt, "length")
		coord := coordinator.NewMemory(length)
		op := firstOp(rt, coord, 0, length)

		first := rapid.Float64().Draw(rt, "first")
		err := op.Complete(ctx, first)
		if math.IsNaN(first) || math.IsInf(first, 0) {
			if !assert.ErrorIs(rt, err, searcher.ErrInvalidMetric) {
				rt.FailNow()
			}
			require.NoError(rt, op.Complete(ctx, 1))
			first = 1
		} else {
			require.NoError(rt, err)
		}

		for _, metric := range rapid.SliceOf(rapid.Float64()).Draw(rt, "metrics") {
			err := op.Complete(ctx, metric)
			if !assert.ErrorIs(rt, err, searcher.ErrStateViolation) {
				rt.FailNow()
			}
		}

		completions := coord.Completions()
		if len(completions) != 1 || completions[0].Metric != first || completions[0].Length != length {
			rt.Fatalf("unexpected completions %v", completions)
		}
		metric, ok := op.Metric()
		if !ok || metric != first {
			rt.Fatalf("metric should be %v but got %v", first, metric)
		}
	})
}

func TestOpWorkerNeverReports(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		coord := coordinator.NewMemory()
		rank := rapid.IntRange(1, 64).Draw(rt, "rank")
		op := firstOp(rt, coord, rank, rapid.Uint64().Draw(rt, "length"))

		for _, progress := range rapid.SliceOf(rapid.Float64()).Draw(rt, "progress") {
			if !assert.ErrorIs(rt, op.ReportProgress(ctx, progress), searcher.ErrRoleViolation) {
				rt.FailNow()
			}
		}
		if !assert.ErrorIs(rt, op.Complete(ctx, rapid.Float64().Draw(rt, "metric")), searcher.ErrRoleViolation) {
			rt.FailNow()
		}
		if len(coord.Progress()) != 0 || len(coord.Completions()) != 0 {
			rt.Fatal("worker reached the coordinator")
		}
	})
}
