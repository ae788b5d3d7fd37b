package selector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/llm"
	"golang.org/x/text/unicode/norm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func homeActions() action.Set {
	return action.Set{
		{Name: "turn_on_light", Description: "Turn on the light", LocalizedDescription: "bật đèn", Keyword: "bật đèn"},
		{Name: "turn_off_light", Description: "Turn off the light", LocalizedDescription: "tắt đèn", Keyword: "tắt đèn"},
		{Name: "turn_on_fan", Description: "Turn on the fan", LocalizedDescription: "bật quạt", Keyword: "bật quạt"},
		{Name: "turn_off_fan", Description: "Turn off the fan", LocalizedDescription: "tắt quạt", Keyword: "tắt quạt"},
	}
}

func newSelector(t *testing.T, strategy Strategy, gen llm.Generator, set action.Set) Selector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	s, err := New(cfg, gen, set, discardLogger())
	if err != nil {
		t.Fatalf("new %s: %v", strategy, err)
	}
	return s
}

func classify(t *testing.T, s Selector, text string) action.Result {
	t.Helper()
	res, err := s.GenerateAction(context.Background(), text)
	if err != nil {
		t.Fatalf("generate %q: %v", text, err)
	}
	return res
}

func TestKeywordMatch(t *testing.T) {
	s := newSelector(t, StrategyKeyword, nil, homeActions())
	cases := map[string]string{
		"làm ơn bật đèn":             "turn_on_light",
		"LÀM ƠN TẮT QUẠT GIÚP TÔI":   "turn_off_fan",
		"hôm nay thời tiết thế nào?": "unknown",
		"":                           "unknown",
	}
	for text, want := range cases {
		if got := classify(t, s, text).Name(); got != want {
			t.Fatalf("%q: expected %s, got %s", text, want, got)
		}
	}
}

func TestKeywordEarliestWins(t *testing.T) {
	set := action.Set{
		{Name: "first", Keyword: "bật"},
		{Name: "second", Keyword: "bật đèn"},
		{Name: "third", Keyword: "đèn"},
	}
	s := newSelector(t, StrategyKeyword, nil, set)
	for _, text := range []string{"bật đèn", "hãy bật đèn đi", "đèn bật"} {
		if got := classify(t, s, text).Name(); got != "first" {
			t.Fatalf("%q: expected earliest action, got %s", text, got)
		}
	}
	// reversing the order reverses the winner
	rev := action.Set{set[2], set[1], set[0]}
	if err := s.UpdateActions(rev); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := classify(t, s, "bật đèn").Name(); got != "third" {
		t.Fatalf("expected third after reorder, got %s", got)
	}
}

func TestKeywordMatchesDecomposedText(t *testing.T) {
	s := newSelector(t, StrategyKeyword, nil, homeActions())
	nfd := norm.NFD.String("làm ơn bật đèn")
	if nfd == "làm ơn bật đèn" {
		t.Fatal("expected a decomposed form")
	}
	if got := classify(t, s, nfd).Name(); got != "turn_on_light" {
		t.Fatalf("expected NFD transcript to match, got %s", got)
	}
}

func TestFuzzyKeyword(t *testing.T) {
	s := newSelector(t, StrategyFuzzyKeyword, nil, homeActions())
	if got := classify(t, s, "làm ơn bật đền đi").Name(); got != "turn_on_light" {
		t.Fatalf("expected near miss to match, got %s", got)
	}
	if got := classify(t, s, "bật tivi").Name(); got != "unknown" {
		t.Fatalf("expected unrelated device to stay unknown, got %s", got)
	}
	if got := classify(t, s, "tắt quạt").Name(); got != "turn_off_fan" {
		t.Fatalf("expected exact match, got %s", got)
	}
}

func TestUpdateActionsRejectsInvalid(t *testing.T) {
	for _, st := range Strategies {
		gen := llm.NewMockGenerator("turn_on_light")
		s := newSelector(t, st, gen, homeActions())
		if err := s.UpdateActions(nil); !errors.Is(err, action.ErrInvalidActionSet) {
			t.Fatalf("%s: expected ErrInvalidActionSet for empty set, got %v", st, err)
		}
		dup := action.Set{{Name: "a", Keyword: "a"}, {Name: "a", Keyword: "b"}}
		if err := s.UpdateActions(dup); !errors.Is(err, action.ErrInvalidActionSet) {
			t.Fatalf("%s: expected ErrInvalidActionSet for duplicates, got %v", st, err)
		}
		if st == StrategyVoting {
			gen.Respond = func(r llm.Request) (string, error) {
				if strings.Contains(r.Prompt, `"turn_on_light"`) {
					return "yes", nil
				}
				return "no", nil
			}
		}
		// previous catalog still active
		if got := classify(t, s, "bật đèn").Name(); got != "turn_on_light" {
			t.Fatalf("%s: expected previous catalog, got %s", st, got)
		}
	}
}

func TestNewRejectsInvalidSet(t *testing.T) {
	if _, err := New(DefaultConfig(), llm.NewMockGenerator(""), nil, nil); !errors.Is(err, action.ErrInvalidActionSet) {
		t.Fatalf("expected ErrInvalidActionSet, got %v", err)
	}
	if _, err := ParseStrategy("psychic"); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}

func TestSystemPromptRequestShape(t *testing.T) {
	gen := llm.NewMockGenerator("").QueueText(" turn_off_light\n")
	s := newSelector(t, StrategySystemPrompt, gen, homeActions())
	res := classify(t, s, "Làm ơn tắt đèn")
	if res.Name() != "turn_off_light" {
		t.Fatalf("expected turn_off_light, got %s", res.Name())
	}
	req := gen.Requests()[0]
	if req.Temperature != 0 {
		t.Fatalf("expected temperature 0, got %v", req.Temperature)
	}
	if req.Model != "qwen2.5" {
		t.Fatalf("expected configured model, got %q", req.Model)
	}
	if !strings.Contains(req.System, `- "turn_on_fan": Turn on the fan`) {
		t.Fatalf("system prompt should list actions:\n%s", req.System)
	}
	if req.Prompt != "User's command: \"làm ơn tắt đèn\"\nDesired output: " {
		t.Fatalf("unexpected user prompt %q", req.Prompt)
	}
}

func TestSinglePromptRequestShape(t *testing.T) {
	gen := llm.NewMockGenerator("").QueueText("unknown")
	s := newSelector(t, StrategySinglePrompt, gen, homeActions())
	if got := classify(t, s, "bạn khoẻ không?").Name(); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
	req := gen.Requests()[0]
	if req.System != "" {
		t.Fatalf("single prompt must not use the system field")
	}
	if !strings.HasPrefix(req.Prompt, "You are an AI model") || !strings.HasSuffix(req.Prompt, "User's command: \"bạn khoẻ không?\"\nDesired output: ") {
		t.Fatalf("unexpected prompt:\n%s", req.Prompt)
	}
}

func TestPromptResponseFirstNameWins(t *testing.T) {
	gen := llm.NewMockGenerator("").QueueText("turn_off_fan or turn_on_light")
	s := newSelector(t, StrategySystemPrompt, gen, homeActions())
	if got := classify(t, s, "x").Name(); got != "turn_on_light" {
		t.Fatalf("expected catalog order to break ties, got %s", got)
	}
}

func TestPromptUpstreamError(t *testing.T) {
	for _, st := range []Strategy{StrategySinglePrompt, StrategySystemPrompt} {
		gen := llm.NewMockGenerator("").Queue(llm.MockReply{Err: errors.New("connection refused")})
		s := newSelector(t, st, gen, homeActions())
		res, err := s.GenerateAction(context.Background(), "bật đèn")
		if !errors.Is(err, action.ErrUpstream) {
			t.Fatalf("%s: expected ErrUpstream, got %v", st, err)
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("%s: error should carry the cause: %v", st, err)
		}
		if res.IsMatched() {
			t.Fatalf("%s: failed call must not match", st)
		}
	}
}

func TestUpdateActionsInvalidatesPrompt(t *testing.T) {
	for _, st := range []Strategy{StrategySinglePrompt, StrategySystemPrompt} {
		reply := "turn_on_light"
		gen := llm.NewMockGenerator("")
		gen.Respond = func(llm.Request) (string, error) { return reply, nil }
		s := newSelector(t, st, gen, homeActions())
		if got := classify(t, s, "bật đèn").Name(); got != "turn_on_light" {
			t.Fatalf("%s: expected match before update, got %s", st, got)
		}

		door := action.Set{{Name: "open_door", Description: "Open the door", Keyword: "mở cửa"}}
		if err := s.UpdateActions(door); err != nil {
			t.Fatalf("%s: update: %v", st, err)
		}
		if got := classify(t, s, "bật đèn").Name(); got != "unknown" {
			t.Fatalf("%s: old name must not match after update, got %s", st, got)
		}
		reply = "open_door"
		if got := classify(t, s, "mở cửa").Name(); got != "open_door" {
			t.Fatalf("%s: new name should match, got %s", st, got)
		}

		reqs := gen.Requests()
		last := reqs[len(reqs)-1]
		full := last.System + last.Prompt
		if strings.Contains(full, "turn_on_light") || !strings.Contains(full, "open_door") {
			t.Fatalf("%s: stale prompt used after update:\n%s", st, full)
		}
	}
}

func TestPromptCachedBetweenCalls(t *testing.T) {
	gen := llm.NewMockGenerator("unknown")
	s := newSelector(t, StrategySystemPrompt, gen, homeActions())
	classify(t, s, "a")
	classify(t, s, "b")
	reqs := gen.Requests()
	if reqs[0].System != reqs[1].System {
		t.Fatal("instructions should be reused until the catalog changes")
	}
}

func TestVotingDecisionRule(t *testing.T) {
	set := homeActions()[:3]
	cases := []struct {
		replies []string
		want    string
	}{
		{[]string{"yes", "no", "no"}, "turn_on_light"},
		{[]string{"No.", "YES", "no"}, "turn_off_light"},
		{[]string{"yes", "yes", "no"}, "unknown"},
		{[]string{"no", "no", "no"}, "unknown"},
	}
	for _, tc := range cases {
		gen := llm.NewMockGenerator("").QueueText(tc.replies...)
		s := newSelector(t, StrategyVoting, gen, set)
		if got := classify(t, s, "bật đèn").Name(); got != tc.want {
			t.Fatalf("replies %v: expected %s, got %s", tc.replies, tc.want, got)
		}
		if n := len(gen.Requests()); n != len(set) {
			t.Fatalf("expected one request per action, got %d", n)
		}
	}
}

func TestVotingAbortsOnFailure(t *testing.T) {
	gen := llm.NewMockGenerator("").Queue(
		llm.MockReply{Text: "yes"},
		llm.MockReply{Err: errors.New("timeout")},
		llm.MockReply{Text: "no"},
	)
	s := newSelector(t, StrategyVoting, gen, homeActions()[:3])
	res, err := s.GenerateAction(context.Background(), "bật đèn")
	if !errors.Is(err, action.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if res.IsMatched() {
		t.Fatal("partial votes must be discarded")
	}
	if n := len(gen.Requests()); n != 2 {
		t.Fatalf("sequential voting should stop at the failure, made %d requests", n)
	}
}

func TestVotingConcurrent(t *testing.T) {
	var inFlight, peak atomic.Int32
	gen := llm.NewMockGenerator("")
	gen.Respond = func(r llm.Request) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if strings.Contains(r.Prompt, `Action "turn_on_fan"`) {
			return "yes", nil
		}
		return "no", nil
	}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyVoting
	cfg.VotingConcurrency = 2
	s, err := New(cfg, gen, homeActions(), discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := classify(t, s, "bật quạt").Name(); got != "turn_on_fan" {
		t.Fatalf("expected turn_on_fan, got %s", got)
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak.Load())
	}

	gen.Respond = func(r llm.Request) (string, error) {
		if strings.Contains(r.Prompt, `Action "turn_off_light"`) {
			return "", fmt.Errorf("boom")
		}
		return "no", nil
	}
	if _, err := s.GenerateAction(context.Background(), "x"); !errors.Is(err, action.ErrUpstream) {
		t.Fatalf("expected ErrUpstream from concurrent vote, got %v", err)
	}
}

func TestVotingUpdateActions(t *testing.T) {
	gen := llm.NewMockGenerator("")
	gen.Respond = func(r llm.Request) (string, error) {
		if strings.Contains(r.Prompt, `Action "open_door"`) {
			return "yes", nil
		}
		return "no", nil
	}
	s := newSelector(t, StrategyVoting, gen, homeActions())
	if got := classify(t, s, "mở cửa").Name(); got != "unknown" {
		t.Fatalf("expected unknown before update, got %s", got)
	}
	if err := s.UpdateActions(action.Set{{Name: "open_door", Keyword: "mở cửa"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := classify(t, s, "mở cửa").Name(); got != "open_door" {
		t.Fatalf("expected open_door after update, got %s", got)
	}
}

func TestKeywordMixedCaseKeyword(t *testing.T) {
	set := action.Set{{Name: "turn_on_light", Keyword: "Bật Đèn"}}
	s := newSelector(t, StrategyKeyword, nil, set)
	if res := classify(t, s, "làm ơn bật đèn"); res.Name() != "turn_on_light" {
		t.Fatalf("catalog keyword should be normalised like the text, got %s", res.Name())
	}
}
