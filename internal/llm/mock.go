package llm

import (
	"context"
	"sync"
)

// MockGenerator answers from a scripted queue of replies (or a Respond
// func) and records every request it receives.
type MockGenerator struct {
	mu       sync.Mutex
	replies  []MockReply
	fallback string
	requests []Request

	// Respond, when set, takes precedence over the scripted replies.
	Respond func(Request) (string, error)
}

type MockReply struct {
	Text string
	Err  error
}

func NewMockGenerator(fallback string) *MockGenerator {
	return &MockGenerator{fallback: fallback}
}

// Queue appends scripted replies, consumed in order.
func (m *MockGenerator) Queue(replies ...MockReply) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
	return m
}

// QueueText is Queue for plain successful replies.
func (m *MockGenerator) QueueText(texts ...string) *MockGenerator {
	for _, t := range texts {
		m.Queue(MockReply{Text: t})
	}
	return m
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	respond := m.Respond
	var reply *MockReply
	if respond == nil && len(m.replies) > 0 {
		r := m.replies[0]
		m.replies = m.replies[1:]
		reply = &r
	}
	fallback := m.fallback
	m.mu.Unlock()

	switch {
	case respond != nil:
		text, err := respond(req)
		if err != nil {
			return Completion{}, err
		}
		return Completion{Text: text}, nil
	case reply != nil:
		if reply.Err != nil {
			return Completion{}, reply.Err
		}
		return Completion{Text: reply.Text}, nil
	}
	return Completion{Text: fallback}, nil
}

func (m *MockGenerator) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
