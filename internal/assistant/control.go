package assistant

import (
	"context"
	"log/slog"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/eventstore"
	"github.com/minhharry/voiceassistant/internal/selector"
)

// do runs fn on the consumer goroutine, between two frames. It waits for a
// running consumer until ctx is done.
func (p *Pipeline) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case p.control <- func() { fn(); close(done) }:
	case <-ctx.Done():
		if !p.running.Load() {
			return ErrNotRunning
		}
		return ctx.Err()
	}
	<-done
	return nil
}

// Classify maps text onto the current catalog without running handlers or
// speaking feedback.
func (p *Pipeline) Classify(ctx context.Context, text string) (res action.Result, err error) {
	if cerr := p.do(ctx, func() { res, err = p.classify(ctx, text) }); cerr != nil {
		return action.Unknown(), cerr
	}
	return res, err
}

// UpdateActions replaces the catalog. An invalid set is rejected and the
// previous catalog stays in effect.
func (p *Pipeline) UpdateActions(ctx context.Context, set action.Set) (err error) {
	if verr := set.Validate(); verr != nil {
		return verr
	}
	set = set.Clone()
	cerr := p.do(ctx, func() {
		if err = p.sel.UpdateActions(set); err != nil {
			return
		}
		p.actions.Store(&set)
		if p.opts.OnCatalogChange != nil {
			p.opts.OnCatalogChange(set)
		}
	})
	if cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	p.log.Info("action catalog updated", slog.Int("actions", len(set)), slog.Any("names", set.Names()))
	if p.events != nil {
		if serr := p.events.AppendEpisode(ctx, eventstore.Episode{ID: catalogEpisode, Strategy: p.opts.Strategy}); serr == nil {
			p.record(ctx, catalogEpisode, eventstore.TypeCatalogUpdated, map[string]any{"actions": set.Names()})
		}
	}
	return nil
}

// catalogEpisode groups catalog changes, which belong to no utterance.
const catalogEpisode = "catalog"

// Actions returns the catalog currently in effect.
func (p *Pipeline) Actions() action.Set {
	return p.actions.Load().Clone()
}

// Prompt returns the rendered prompt of prompt-based strategies, or "" for
// keyword strategies.
func (p *Pipeline) Prompt(ctx context.Context) (string, error) {
	src, ok := p.sel.(selector.PromptSource)
	if !ok {
		return "", nil
	}
	var prompt string
	if err := p.do(ctx, func() { prompt = src.Prompt() }); err != nil {
		return "", err
	}
	return prompt, nil
}

func (p *Pipeline) Strategy() string { return p.opts.Strategy }

func (p *Pipeline) Running() bool { return p.running.Load() }
