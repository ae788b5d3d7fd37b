package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("llm circuit breaker is open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker wraps a Generator and stops calling it after MaxFailures
// consecutive failures until ResetTimeout has passed. One probe is let
// through in the half-open state.
type Breaker struct {
	next         Generator
	maxFailures  int
	resetTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

func NewBreaker(next Generator, maxFailures int, resetTimeout time.Duration, logger *slog.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		next:         next,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

func (b *Breaker) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := b.admit(); err != nil {
		return Completion{}, err
	}
	out, err := b.next.Generate(ctx, req)
	b.record(err)
	return out, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probeActive = true
		b.logger.Info("llm breaker half-open")
	case BreakerHalfOpen:
		if b.probeActive {
			return ErrCircuitOpen
		}
		b.probeActive = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// caller cancellation says nothing about backend health
	if errors.Is(err, context.Canceled) {
		b.probeActive = false
		return
	}
	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("llm breaker closed")
		}
		b.state = BreakerClosed
		b.failures = 0
		b.probeActive = false
		return
	}
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		if b.state != BreakerOpen {
			b.logger.Warn("llm breaker opened", slog.Int("consecutive_failures", b.failures), slog.String("error", err.Error()))
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
	b.probeActive = false
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
