package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/trialsearch/searcher"
)

func TestMemoryScript(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 20)

	desc, err := m.NextOperation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, searcher.Descriptor{Length: 10}, desc)

	// The op is served again until it is completed.
	desc, err = m.NextOperation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, searcher.Descriptor{Length: 10}, desc)

	require.NoError(t, m.ReportProgress(ctx, 1, 5))
	require.NoError(t, m.CompleteOperation(ctx, 1, 10, 0.5))

	desc, err = m.NextOperation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, searcher.Descriptor{Length: 20}, desc)

	// A mismatched length is recorded without advancing.
	require.NoError(t, m.CompleteOperation(ctx, 1, 15, 0.1))
	desc, err = m.NextOperation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, searcher.Descriptor{Length: 20}, desc)

	require.NoError(t, m.CompleteOperation(ctx, 1, 20, 0.25))
	desc, err = m.NextOperation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, desc.Done)

	require.NoError(t, m.AcknowledgeOutOfOps(ctx, "alloc"))

	assert.Equal(t, 5, m.Fetches())
	assert.Equal(t, []ProgressReport{{TrialID: 1, Progress: 5}}, m.Progress())
	assert.Equal(t, []CompletionReport{
		{TrialID: 1, Length: 10, Metric: 0.5},
		{TrialID: 1, Length: 15, Metric: 0.1},
		{TrialID: 1, Length: 20, Metric: 0.25},
	}, m.Completions())
	assert.Equal(t, []string{"alloc"}, m.Acks())
}

func TestMemoryEmpty(t *testing.T) {
	m := NewMemory()
	desc, err := m.NextOperation(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, desc.Done)
	assert.Empty(t, m.Completions())
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100,
		MaxDelay:     350,
		Multiplier:   2,
	}
	var delays []int64
	for i := 1; i <= 4; i++ {
		delays = append(delays, int64(policy.Delay(i)))
	}
	assert.Equal(t, []int64{100, 200, 350, 350}, delays)

	policy.Jitter = true
	for i := 0; i < 100; i++ {
		d := int64(policy.Delay(2))
		assert.GreaterOrEqual(t, d, int64(150))
		assert.LessOrEqual(t, d, int64(250))
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.False(t, retryable(context.DeadlineExceeded))
	assert.False(t, retryable(&StatusError{Code: 400}))
	assert.False(t, retryable(&StatusError{Code: 404}))
	assert.True(t, retryable(&StatusError{Code: 500}))
	assert.True(t, retryable(&StatusError{Code: 503}))
	assert.True(t, retryable(assert.AnError))
}
