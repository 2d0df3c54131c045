// Package mock provides a test double for stage.Logic.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/poiesic/stagehand/stage"
)

// MockLogic is a test double for stage.Logic. With no RunFunc it echoes the
// upstream payload prefixed with the stage name.
type MockLogic struct {
	// RunFunc is called by Run if set.
	RunFunc func(ctx context.Context, in stage.Input, call int) (stage.Output, error)

	mu     sync.Mutex
	inputs []stage.Input
}

var _ stage.Logic = (*MockLogic)(nil)

// NewMockLogic creates a MockLogic with the default echo behavior.
func NewMockLogic() *MockLogic {
	return &MockLogic{}
}

// Fail returns a RunFunc that fails the first n calls with err and echoes
// afterwards.
func Fail(n int, err error) func(context.Context, stage.Input, int) (stage.Output, error) {
	return func(ctx context.Context, in stage.Input, call int) (stage.Output, error) {
		if call <= n {
			return stage.Output{}, err
		}
		return echo(in)
	}
}

// Run records the input and delegates to RunFunc or the echo default.
func (m *MockLogic) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	call := len(m.inputs)
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, in, call)
	}
	return echo(in)
}

func echo(in stage.Input) (stage.Output, error) {
	r, err := in.Open()
	if err != nil {
		return stage.Output{}, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return stage.Output{}, err
	}
	return stage.Bytes(append([]byte(in.Stage+":"), data...)), nil
}

// CallCount returns the number of Run calls.
func (m *MockLogic) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Input returns the input of the n-th call (0-based).
func (m *MockLogic) Input(n int) stage.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[n]
}
