// Package mock provides a test double for asyncjob.Provider.
//
// Behavior is injected through function fields; with none set the provider
// accepts every submission and reports it done on the first poll. Call
// counters are safe to read from tests while workers are running.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/poiesic/stagehand/asyncjob"
)

// MockProvider is a test double for asyncjob.Provider and asyncjob.Canceler.
type MockProvider struct {
	// SubmitFunc is called by Submit if set.
	SubmitFunc func(ctx context.Context, payload []byte) (string, error)
	// PollFunc is called by Poll if set.
	PollFunc func(ctx context.Context, jobID string, call int) (asyncjob.PollResult, error)
	// CancelFunc is called by Cancel if set.
	CancelFunc func(ctx context.Context, jobID string) error

	mu        sync.Mutex
	submitted [][]byte
	polls     map[string]int
	canceled  []string
}

var (
	_ asyncjob.Provider = (*MockProvider)(nil)
	_ asyncjob.Canceler = (*MockProvider)(nil)
)

// NewMockProvider creates a provider with the default behavior.
func NewMockProvider() *MockProvider {
	return &MockProvider{polls: make(map[string]int)}
}

// PendingThenDone returns a PollFunc reporting pending n times, then done
// with result.
func PendingThenDone(n int, result []byte) func(context.Context, string, int) (asyncjob.PollResult, error) {
	return func(_ context.Context, _ string, call int) (asyncjob.PollResult, error) {
		if call <= n {
			return asyncjob.PollResult{Status: asyncjob.StatusPending}, nil
		}
		return asyncjob.PollResult{Status: asyncjob.StatusDone, Result: io.NopCloser(bytes.NewReader(result))}, nil
	}
}

// Submit records the payload and returns a sequential job id.
func (m *MockProvider) Submit(ctx context.Context, payload io.Reader) (string, error) {
	data, err := io.ReadAll(payload)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.submitted = append(m.submitted, data)
	n := len(m.submitted)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, data)
	}
	return fmt.Sprintf("job-%d", n), nil
}

// Poll counts the call per job and reports done unless PollFunc says otherwise.
func (m *MockProvider) Poll(ctx context.Context, jobID string) (asyncjob.PollResult, error) {
	m.mu.Lock()
	m.polls[jobID]++
	call := m.polls[jobID]
	m.mu.Unlock()

	if m.PollFunc != nil {
		return m.PollFunc(ctx, jobID, call)
	}
	return asyncjob.PollResult{
		Status: asyncjob.StatusDone,
		Result: io.NopCloser(bytes.NewReader([]byte("result:" + jobID))),
	}, nil
}

// Cancel records the canceled job id.
func (m *MockProvider) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	m.canceled = append(m.canceled, jobID)
	m.mu.Unlock()

	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, jobID)
	}
	return nil
}

// SubmitCount returns the number of Submit calls.
func (m *MockProvider) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

// Submitted returns the payload of the n-th submission (0-based).
func (m *MockProvider) Submitted(n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted[n]
}

// PollCount returns the number of Poll calls for jobID.
func (m *MockProvider) PollCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[jobID]
}

// Canceled returns the ids passed to Cancel.
func (m *MockProvider) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}
