package llm

import (
	"context"
	"time"
)

// Request describes one non-streaming completion.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Completion is the full model output for a Request.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Completion, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Completion, error) {
	return f(ctx, req)
}
