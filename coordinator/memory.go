package coordinator

import (
	"context"
	"sync"

	"github.com/unixpickle/trialsearch/searcher"
)

// A ProgressReport is one call to ReportProgress.
type ProgressReport struct {
	TrialID  int
	Progress float64
}

// A CompletionReport is one call to CompleteOperation.
type CompletionReport struct {
	TrialID int
	Length  uint64
	Metric  float64
}

// Memory is an in-process coordinator that hands out a
// fixed script of op lengths and records every report.
//
// Like the master, it keeps serving the same op until that
// op is completed, and reports that it is out of ops once
// the script is exhausted.
type Memory struct {
	lock        sync.Mutex
	lengths     []uint64
	next        int
	fetches     int
	progress    []ProgressReport
	completions []CompletionReport
	acks        []string
}

// NewMemory creates a coordinator that serves the given op
// lengths in order.
func NewMemory(lengths ...uint64) *Memory {
	return &Memory{lengths: append([]uint64{}, lengths...)}
}

// NextOperation returns the first op that has not been
// completed.
func (m *Memory) NextOperation(ctx context.Context, trialID int) (searcher.Descriptor, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.fetches++
	if m.next >= len(m.lengths) {
		return searcher.Descriptor{Done: true}, nil
	}
	return searcher.Descriptor{Length: m.lengths[m.next]}, nil
}

// ReportProgress records a progress report.
func (m *Memory) ReportProgress(ctx context.Context, trialID int, progress float64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.progress = append(m.progress, ProgressReport{TrialID: trialID, Progress: progress})
	return nil
}

// CompleteOperation records a completion and, if it
// matches the current op, moves on to the next one.
func (m *Memory) CompleteOperation(ctx context.Context, trialID int, length uint64,
	metric float64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.completions = append(m.completions, CompletionReport{
		TrialID: trialID,
		Length:  length,
		Metric:  metric,
	})
	if m.next < len(m.lengths) && m.lengths[m.next] == length {
		m.next++
	}
	return nil
}

// AcknowledgeOutOfOps records an acknowledgment.
func (m *Memory) AcknowledgeOutOfOps(ctx context.Context, allocationID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.acks = append(m.acks, allocationID)
	return nil
}

// Fetches returns the number of NextOperation calls.
func (m *Memory) Fetches() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.fetches
}

// Progress returns all progress reports so far.
func (m *Memory) Progress() []ProgressReport {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]ProgressReport{}, m.progress...)
}

// Completions returns all completion reports so far.
func (m *Memory) Completions() []CompletionReport {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]CompletionReport{}, m.completions...)
}

// Acks returns the allocation IDs of all acknowledgments
// so far.
func (m *Memory) Acks() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string{}, m.acks...)
}
