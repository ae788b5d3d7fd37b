// Package selector maps transcribed text onto an action of the catalog.
//
// Every strategy satisfies Selector. Instances are not safe for concurrent
// use: the pipeline consumer owns one and serialises UpdateActions with
// GenerateAction.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/llm"
)

// Selector is the classification contract shared by all strategies.
//
// GenerateAction returns a Matched or Unknown result. A backend failure is
// returned as an error wrapping action.ErrUpstream together with an Unknown
// result. UpdateActions replaces the catalog and drops any cached prompt; an
// invalid set is rejected with action.ErrInvalidActionSet and the previous
// catalog stays active.
type Selector interface {
	GenerateAction(ctx context.Context, text string) (action.Result, error)
	UpdateActions(set action.Set) error
}

// PromptSource is implemented by strategies that build a prompt from the
// catalog.
type PromptSource interface {
	Prompt() string
}

type Strategy string

const (
	StrategyKeyword      Strategy = "keyword"
	StrategyFuzzyKeyword Strategy = "fuzzy_keyword"
	StrategySinglePrompt Strategy = "single_prompt"
	StrategyVoting       Strategy = "voting"
	StrategySystemPrompt Strategy = "system_prompt"
)

var Strategies = []Strategy{StrategyKeyword, StrategyFuzzyKeyword, StrategySinglePrompt, StrategyVoting, StrategySystemPrompt}

func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown selector strategy %q", s)
}

// UsesLLM reports whether the strategy calls a completion endpoint.
func (s Strategy) UsesLLM() bool {
	switch s {
	case StrategySinglePrompt, StrategyVoting, StrategySystemPrompt:
		return true
	}
	return false
}

// Config documents every selector option.
type Config struct {
	Strategy Strategy
	// Model and Endpoint address the completion backend. Endpoint is only
	// used when New receives no generator; an Ollama client is built for it.
	Model    string
	Endpoint string
	// Temperature is the decoding temperature, 0 for deterministic output.
	Temperature float64
	MaxTokens   int
	// Debug logs prompts and raw model replies.
	Debug bool
	// Seed feeds the few-shot paraphrase generator unless Rand is set.
	Seed int64
	Rand *rand.Rand
	// Lexicon holds the paraphrase particles and negative examples.
	Lexicon Lexicon
	// VotingConcurrency > 1 lets the voting strategy issue that many
	// requests at once. 1 keeps them sequential.
	VotingConcurrency int
	// FuzzyThreshold is the minimum Jaro-Winkler similarity accepted by the
	// fuzzy keyword strategy.
	FuzzyThreshold float64
}

func DefaultConfig() Config {
	return Config{
		Strategy:          StrategySystemPrompt,
		Model:             "qwen2.5",
		Endpoint:          "http://localhost:11434",
		Seed:              1,
		Lexicon:           DefaultLexicon(),
		VotingConcurrency: 1,
		FuzzyThreshold:    0.92,
	}
}

// New builds the strategy named by cfg.Strategy over set.
func New(cfg Config, gen llm.Generator, set action.Set, logger *slog.Logger) (Selector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "selector"), slog.String("strategy", string(cfg.Strategy)))
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if cfg.Lexicon.empty() {
		cfg.Lexicon = DefaultLexicon()
	}
	// few-shot blocks always carry at least one unknown example
	if len(cfg.Lexicon.Negatives) == 0 {
		cfg.Lexicon.Negatives = DefaultLexicon().Negatives
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(cfg.Seed))
	}
	if cfg.Strategy.UsesLLM() && gen == nil {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("strategy %s needs a generator or endpoint", cfg.Strategy)
		}
		gen = llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model, nil)
	}

	switch cfg.Strategy {
	case StrategyKeyword:
		return newKeyword(set), nil
	case StrategyFuzzyKeyword:
		threshold := cfg.FuzzyThreshold
		if threshold <= 0 {
			threshold = 0.92
		}
		return newFuzzy(set, threshold, cfg.Debug, logger), nil
	case StrategySinglePrompt:
		return newPromptClassifier(cfg, gen, set, false, logger), nil
	case StrategySystemPrompt:
		return newPromptClassifier(cfg, gen, set, true, logger), nil
	case StrategyVoting:
		return newVoting(cfg, gen, set, logger), nil
	}
	return nil, fmt.Errorf("unknown selector strategy %q", cfg.Strategy)
}
