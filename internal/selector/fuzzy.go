package selector

import (
	"context"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/minhharry/voiceassistant/internal/action"
)

// fuzzySelector tries exact keyword containment first, then scores every
// keyword against each word window of the same length in the command.
type fuzzySelector struct {
	keywordSelector
	threshold float64
	debug     bool
	logger    *slog.Logger
}

func newFuzzy(set action.Set, threshold float64, debug bool, logger *slog.Logger) *fuzzySelector {
	f := &fuzzySelector{threshold: threshold, debug: debug, logger: logger}
	f.load(set)
	return f
}

func (f *fuzzySelector) GenerateAction(_ context.Context, text string) (action.Result, error) {
	norm := normalize(text)
	if a, ok := f.match(norm); ok {
		return action.Matched(a), nil
	}
	words := strings.Fields(norm)
	best, bestScore := -1, 0.0
	for i, kw := range f.keywords {
		score := bestWindowScore(words, kw)
		// strict comparison keeps the earliest action on ties
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if f.debug {
		f.logger.Info("fuzzy keyword scores", slog.String("text", norm), slog.Float64("best", bestScore), slog.Int("index", best))
	}
	if best >= 0 && bestScore >= f.threshold {
		return action.Matched(f.set[best]), nil
	}
	return action.Unknown(), nil
}

func bestWindowScore(words []string, keyword string) float64 {
	n := len(strings.Fields(keyword))
	if n == 0 || len(words) < n {
		return 0
	}
	best := 0.0
	for i := 0; i+n <= len(words); i++ {
		window := strings.Join(words[i:i+n], " ")
		if s := matchr.JaroWinkler(window, keyword, false); s > best {
			best = s
		}
	}
	return best
}
