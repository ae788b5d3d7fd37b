package selector

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/llm"
)

// promptClassifier asks the model to echo one catalog name. With system set
// the instructions travel in the system field so the backend can reuse
// them across calls; otherwise they are prepended to every prompt.
type promptClassifier struct {
	gen    llm.Generator
	cfg    Config
	rng    *rand.Rand
	system bool
	logger *slog.Logger

	set          action.Set
	instructions string
	stale        bool
}

func newPromptClassifier(cfg Config, gen llm.Generator, set action.Set, system bool, logger *slog.Logger) *promptClassifier {
	return &promptClassifier{
		gen:    gen,
		cfg:    cfg,
		rng:    cfg.Rand,
		system: system,
		logger: logger,
		set:    set.Clone(),
		stale:  true,
	}
}

func (p *promptClassifier) UpdateActions(set action.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	p.set = set.Clone()
	p.instructions = ""
	p.stale = true
	return nil
}

// Prompt returns the cached instructions, building them if needed.
func (p *promptClassifier) Prompt() string {
	if p.stale {
		p.instructions = BuildInstructions(p.set, p.cfg.Lexicon, p.rng)
		p.stale = false
		if p.cfg.Debug {
			p.logger.Info("classification prompt rebuilt", slog.String("prompt", p.instructions))
		}
	}
	return p.instructions
}

func (p *promptClassifier) request(text string) llm.Request {
	req := llm.Request{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}
	if p.system {
		req.System = p.Prompt()
		req.Prompt = UserCommand(text)
	} else {
		req.Prompt = p.Prompt() + "\n" + UserCommand(text)
	}
	return req
}

func (p *promptClassifier) GenerateAction(ctx context.Context, text string) (action.Result, error) {
	out, err := p.gen.Generate(ctx, p.request(text))
	if err != nil {
		return action.Unknown(), action.Upstream("classify", err)
	}
	reply := strings.TrimSpace(out.Text)
	if p.cfg.Debug {
		p.logger.Info("classification reply", slog.String("text", text), slog.String("reply", reply))
	}
	if a, ok := matchName(p.set, reply); ok {
		return action.Matched(a), nil
	}
	return action.Unknown(), nil
}
