package vad

import (
	"context"
	"sync"
)

// MockOracle replays a scripted probability sequence, repeating the last
// value once exhausted. Calls are recorded for assertions.
type MockOracle struct {
	mu       sync.Mutex
	sequence []float64
	calls    int
	Err      error
}

func NewMockOracle(sequence ...float64) *MockOracle {
	return &MockOracle{sequence: sequence}
}

func (m *MockOracle) Score(_ context.Context, _ []float32, _ int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if m.Err != nil {
		return 0, m.Err
	}
	if len(m.sequence) == 0 {
		return 0, nil
	}
	if idx >= len(m.sequence) {
		idx = len(m.sequence) - 1
	}
	return m.sequence[idx], nil
}

func (m *MockOracle) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
