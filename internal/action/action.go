// Package action defines the catalog of things the assistant can do and the
// outcome of mapping a command onto it.
package action

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidActionSet is returned for an empty set or duplicate names.
	ErrInvalidActionSet = errors.New("invalid action set")
	// ErrUpstream wraps transport or API failures from ASR or LLM backends.
	ErrUpstream = errors.New("upstream failure")
)

// Handler performs the side effect of an action.
type Handler func(ctx context.Context) error

type Action struct {
	Name                 string
	Description          string
	LocalizedDescription string
	Keyword              string
	Handler              Handler
}

// Run invokes the handler; a nil handler is a no-op.
func (a Action) Run(ctx context.Context) error {
	if a.Handler == nil {
		return nil
	}
	return a.Handler(ctx)
}

// Set is an ordered catalog. Order decides ties and few-shot ordering.
type Set []Action

func (s Set) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no actions", ErrInvalidActionSet)
	}
	seen := make(map[string]struct{}, len(s))
	for i, a := range s {
		if a.Name == "" {
			return fmt.Errorf("%w: action %d has no name", ErrInvalidActionSet, i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("%w: duplicate action name %q", ErrInvalidActionSet, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, a := range s {
		names[i] = a.Name
	}
	return names
}

func (s Set) Lookup(name string) (Action, bool) {
	for _, a := range s {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// Clone copies the slice so later edits by the caller do not leak in.
func (s Set) Clone() Set {
	return append(Set(nil), s...)
}

// Upstream marks err as a backend failure.
func Upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
