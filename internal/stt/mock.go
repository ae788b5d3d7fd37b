package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockTranscriber returns scripted texts in order, then repeats the last.
// With no script it describes the input length.
type MockTranscriber struct {
	mu     sync.Mutex
	texts  []string
	errs   []error
	calls  int
	inputs [][]float32
}

func NewMockTranscriber(texts ...string) *MockTranscriber {
	return &MockTranscriber{texts: texts}
}

// FailNext makes the next call fail with err.
func (m *MockTranscriber) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func (m *MockTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.inputs = append(m.inputs, samples)
	idx := m.calls
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Result{}, wrapFailed(err, "mock")
	}
	if len(m.texts) == 0 {
		return Result{Text: fmt.Sprintf("[transcript samples=%d rate=%d]", len(samples), sampleRate)}, nil
	}
	if idx >= len(m.texts) {
		idx = len(m.texts) - 1
	}
	return Result{Text: m.texts[idx], Confidence: 1}, nil
}

func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockTranscriber) Inputs() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.inputs...)
}
