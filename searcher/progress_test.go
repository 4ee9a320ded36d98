package searcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/unixpickle/trialsearch/coordinator"
	"github.com/unixpickle/trialsearch/searcher"
)

func TestProgressThrottle(t *testing.T) {
	ctx := context.Background()
	coord := coordinator.NewMemory(100)
	op := firstOp(t, coord, 0, 100)

	// A negligible rate lets through only the burst.
	throttle := searcher.NewProgressThrottle(rate.Limit(1e-9), 2)
	var sent []bool
	for i := 1; i <= 5; i++ {
		ok, err := throttle.Report(ctx, op, float64(i))
		require.NoError(t, err)
		sent = append(sent, ok)
	}
	assert.Equal(t, []bool{true, true, false, false, false}, sent)

	// The final length is never dropped.
	ok, err := throttle.Report(ctx, op, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []coordinator.ProgressReport{
		{TrialID: 1, Progress: 1},
		{TrialID: 1, Progress: 2},
		{TrialID: 1, Progress: 100},
	}, coord.Progress())
}

func TestProgressThrottleUnlimited(t *testing.T) {
	ctx := context.Background()
	coord := coordinator.NewMemory(10)
	op := firstOp(t, coord, 0, 10)
	throttle := searcher.NewProgressThrottle(rate.Inf, 0)
	for i := 0; i < 10; i++ {
		ok, err := throttle.Report(ctx, op, float64(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Len(t, coord.Progress(), 10)
}

func TestProgressThrottleErrors(t *testing.T) {
	ctx := context.Background()
	throttle := searcher.NewProgressThrottle(rate.Limit(1e-9), 1)

	worker := firstOp(t, coordinator.NewMemory(), 1, 10)
	for i := 0; i < 3; i++ {
		ok, err := throttle.Report(ctx, worker, 1)
		assert.False(t, ok)
		assert.ErrorIs(t, err, searcher.ErrRoleViolation)
	}

	coord := coordinator.NewMemory(10)
	chief := firstOp(t, coord, 0, 10)
	require.NoError(t, chief.Complete(ctx, 1))
	ok, err := throttle.Report(ctx, chief, 3)
	assert.False(t, ok)
	assert.ErrorIs(t, err, searcher.ErrStateViolation)
}
