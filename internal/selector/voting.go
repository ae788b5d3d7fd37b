package selector

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/llm"
	"golang.org/x/sync/errgroup"
)

// votingSelector asks one yes/no question per action. Exactly one "yes"
// selects that action; none or several yield Unknown. Any failed request
// fails the whole vote.
type votingSelector struct {
	gen    llm.Generator
	cfg    Config
	rng    *rand.Rand
	logger *slog.Logger

	set     action.Set
	prompts []string
}

func newVoting(cfg Config, gen llm.Generator, set action.Set, logger *slog.Logger) *votingSelector {
	return &votingSelector{gen: gen, cfg: cfg, rng: cfg.Rand, logger: logger, set: set.Clone()}
}

func (v *votingSelector) UpdateActions(set action.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	v.set = set.Clone()
	v.prompts = nil
	return nil
}

func (v *votingSelector) questions() []string {
	if v.prompts == nil {
		v.prompts = make([]string, len(v.set))
		for i, a := range v.set {
			v.prompts[i] = BuildVotePrompt(a, v.cfg.Lexicon, v.rng)
		}
	}
	return v.prompts
}

func (v *votingSelector) ask(ctx context.Context, i int, text string) (bool, error) {
	out, err := v.gen.Generate(ctx, llm.Request{
		Model:       v.cfg.Model,
		Prompt:      voteQuestion(v.questions()[i], text),
		Temperature: v.cfg.Temperature,
		MaxTokens:   v.cfg.MaxTokens,
	})
	if err != nil {
		return false, action.Upstream("vote "+v.set[i].Name, err)
	}
	if v.cfg.Debug {
		v.logger.Info("vote reply", slog.String("action", v.set[i].Name), slog.String("reply", out.Text))
	}
	return isYes(out.Text), nil
}

func (v *votingSelector) GenerateAction(ctx context.Context, text string) (action.Result, error) {
	votes := make([]bool, len(v.set))
	v.questions()

	if v.cfg.VotingConcurrency <= 1 {
		for i := range v.set {
			yes, err := v.ask(ctx, i, text)
			if err != nil {
				return action.Unknown(), err
			}
			votes[i] = yes
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(v.cfg.VotingConcurrency)
		for i := range v.set {
			g.Go(func() error {
				yes, err := v.ask(gctx, i, text)
				votes[i] = yes
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return action.Unknown(), err
		}
	}

	winner := -1
	for i, yes := range votes {
		if !yes {
			continue
		}
		if winner >= 0 {
			return action.Unknown(), nil
		}
		winner = i
	}
	if winner < 0 {
		return action.Unknown(), nil
	}
	return action.Matched(v.set[winner]), nil
}
