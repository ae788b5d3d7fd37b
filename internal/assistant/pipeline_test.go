package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/audio"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/minhharry/voiceassistant/internal/eventstore"
	"github.com/minhharry/voiceassistant/internal/llm"
	"github.com/minhharry/voiceassistant/internal/protocol"
	"github.com/minhharry/voiceassistant/internal/segmenter"
	"github.com/minhharry/voiceassistant/internal/selector"
	"github.com/minhharry/voiceassistant/internal/stt"
	"github.com/minhharry/voiceassistant/internal/vad"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	rate  = 16000
	chunk = 160 // 10ms
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSpeaker struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSpeaker) Speak(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSpeaker) spoken() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type captureBus struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (b *captureBus) PublishJSON(subject string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, v)
	return nil
}

func (b *captureBus) last(subject string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.subjects) - 1; i >= 0; i-- {
		if b.subjects[i] == subject {
			return b.payloads[i], true
		}
	}
	return nil, false
}

type harness struct {
	pipeline *Pipeline
	oracle   *vad.MockOracle
	stt      *stt.MockTranscriber
	speaker  *captureSpeaker
	bus      *captureBus
	reports  []Report
	ran      map[string]int
}

func homeActions(h *harness, failing string) action.Set {
	handler := func(name string) action.Handler {
		return func(context.Context) error {
			h.ran[name]++
			if name == failing {
				return errors.New("relay offline")
			}
			return nil
		}
	}
	return action.Set{
		{Name: "turn_on_light", Description: "Turn on the light", LocalizedDescription: "bật đèn", Keyword: "bật đèn", Handler: handler("turn_on_light")},
		{Name: "turn_off_light", Description: "Turn off the light", LocalizedDescription: "tắt đèn", Keyword: "tắt đèn", Handler: handler("turn_off_light")},
		{Name: "turn_on_fan", Description: "Turn on the fan", LocalizedDescription: "bật quạt", Keyword: "bật quạt", Handler: handler("turn_on_fan")},
	}
}

type harnessOpts struct {
	strategy selector.Strategy
	gen      llm.Generator
	failing  string
	events   *eventstore.Store
	probs    []float64
	texts    []string
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{
		oracle:  vad.NewMockOracle(o.probs...),
		stt:     stt.NewMockTranscriber(o.texts...),
		speaker: &captureSpeaker{},
		bus:     &captureBus{},
		ran:     map[string]int{},
	}
	if o.strategy == "" {
		o.strategy = selector.StrategyKeyword
	}
	set := homeActions(h, o.failing)
	cfg := selector.DefaultConfig()
	cfg.Strategy = o.strategy
	sel, err := selector.New(cfg, o.gen, set, discardLogger())
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	p, err := New(Options{
		Segmenter: segmenter.Config{
			SpeechThreshold: 0.5,
			SilenceTimeout:  50 * time.Millisecond,
			PreBufferMax:    3,
		},
		SampleRate:  rate,
		PollTimeout: 20 * time.Millisecond,
		Strategy:    string(o.strategy),
		Feedback:    Feedback{SuccessPrefix: "Đã ", FailurePhrase: "Xin lỗi, tôi không hiểu"},
		Now:         func() time.Time { return base },
		OnReport:    func(r Report) { h.reports = append(h.reports, r) },
	}, Deps{
		Oracle:      h.oracle,
		Transcriber: h.stt,
		Selector:    sel,
		Actions:     set,
		Speaker:     h.speaker,
		Events:      o.events,
		Bus:         h.bus,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	h.pipeline = p
	return h
}

// episode is 5 silent frames, 5 speech frames, then 10 silent frames.
func episode() []float64 {
	probs := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		if i >= 5 && i < 10 {
			probs = append(probs, 0.9)
		} else {
			probs = append(probs, 0.1)
		}
	}
	return probs
}

// feed queues n frames stamped 10ms apart and closes the queue.
func feed(t *testing.T, n int) *audio.FrameQueue {
	t.Helper()
	q := audio.NewFrameQueue(n, audio.Block)
	for i := 0; i < n; i++ {
		f := audio.Frame{
			Seq:        uint64(i),
			Samples:    make([]int16, chunk),
			SampleRate: rate,
			CapturedAt: base.Add(time.Duration(i) * 10 * time.Millisecond),
		}
		f.Samples[0] = int16(i)
		if err := q.Push(context.Background(), f); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	q.Close()
	return q
}

func (h *harness) run(t *testing.T, frames int) {
	t.Helper()
	if err := h.pipeline.Run(context.Background(), feed(t, frames)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestMatchedCommandRunsHandler(t *testing.T) {
	h := newHarness(t, harnessOpts{probs: episode(), texts: []string{"làm ơn bật đèn giúp tôi"}})
	h.run(t, 20)

	if len(h.reports) != 1 {
		t.Fatalf("expected one utterance, got %d", len(h.reports))
	}
	rep := h.reports[0]
	// 3 pre-roll frames, 5 speech frames and 5 trailing frames inside the timeout
	if len(rep.Utterance.Frames) != 13 || rep.Utterance.PreRoll != 3 {
		t.Fatalf("unexpected utterance shape frames=%d preroll=%d", len(rep.Utterance.Frames), rep.Utterance.PreRoll)
	}
	if first := rep.Utterance.Frames[0][0]; first != float32(2)/32768 {
		t.Fatalf("expected pre-roll to start at frame 2, got sample %v", first)
	}
	if !rep.Result.IsMatched() || rep.Result.Name() != "turn_on_light" {
		t.Fatalf("expected turn_on_light, got %s", rep.Result.Name())
	}
	if h.ran["turn_on_light"] != 1 {
		t.Fatalf("expected handler to run once, ran %v", h.ran)
	}
	if got := h.speaker.spoken(); len(got) != 1 || got[0] != "Đã bật đèn" {
		t.Fatalf("unexpected feedback %q", got)
	}
	if inputs := h.stt.Inputs(); len(inputs) != 1 || len(inputs[0]) != 13*chunk {
		t.Fatalf("transcriber should receive the concatenated utterance")
	}
	v, ok := h.bus.last(protocol.SubjectOutcome)
	if !ok {
		t.Fatal("expected an outcome event")
	}
	out := v.(protocol.OutcomeEvent)
	if out.Action != "turn_on_light" || out.Strategy != "keyword" || out.UtteranceID != rep.ID {
		t.Fatalf("unexpected outcome event %+v", out)
	}
}

func TestUnknownCommandSpeaksFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{probs: episode(), texts: []string{"hôm nay trời đẹp"}})
	h.run(t, 20)

	if len(h.reports) != 1 || h.reports[0].Result.IsMatched() {
		t.Fatalf("expected an unknown outcome, got %+v", h.reports)
	}
	if len(h.ran) != 0 {
		t.Fatalf("no handler should run, ran %v", h.ran)
	}
	if got := h.speaker.spoken(); len(got) != 1 || got[0] != "Xin lỗi, tôi không hiểu" {
		t.Fatalf("unexpected feedback %q", got)
	}
}

func TestTranscriptionFailureSkipsClassification(t *testing.T) {
	gen := llm.NewMockGenerator("turn_on_light")
	h := newHarness(t, harnessOpts{strategy: selector.StrategySystemPrompt, gen: gen, probs: episode()})
	h.stt.FailNext(errors.New("decoder crashed"))
	h.run(t, 20)

	if len(h.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(h.reports))
	}
	rep := h.reports[0]
	if !errors.Is(rep.Err, stt.ErrTranscription) {
		t.Fatalf("expected transcription error, got %v", rep.Err)
	}
	if len(gen.Requests()) != 0 {
		t.Fatal("classifier must not be called after a failed transcription")
	}
	if rep.Feedback != "Xin lỗi, tôi không hiểu" {
		t.Fatalf("unexpected feedback %q", rep.Feedback)
	}
	v, ok := h.bus.last(protocol.SubjectTranscript)
	if !ok || v.(protocol.TranscriptEvent).Error == "" {
		t.Fatalf("expected a transcript event carrying the error, got %+v", v)
	}
}

func TestEmptyTranscriptIsUnknownWithoutBackend(t *testing.T) {
	gen := llm.NewMockGenerator("turn_on_light")
	h := newHarness(t, harnessOpts{strategy: selector.StrategySystemPrompt, gen: gen, probs: episode(), texts: []string{"   "}})
	h.run(t, 20)

	if len(h.reports) != 1 || h.reports[0].Result.IsMatched() || h.reports[0].Err != nil {
		t.Fatalf("expected clean unknown, got %+v", h.reports)
	}
	if len(gen.Requests()) != 0 {
		t.Fatal("blank text must not reach the model")
	}
}

func TestClassifierFailureIsReported(t *testing.T) {
	gen := llm.NewMockGenerator("")
	gen.Queue(llm.MockReply{Err: errors.New("connection refused")})
	h := newHarness(t, harnessOpts{strategy: selector.StrategySystemPrompt, gen: gen, probs: episode(), texts: []string{"bật đèn"}})
	h.run(t, 20)

	rep := h.reports[0]
	if !errors.Is(rep.Err, action.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", rep.Err)
	}
	if rep.Result.IsMatched() || len(h.ran) != 0 {
		t.Fatal("failed classification must not run a handler")
	}
	out, _ := h.bus.last(protocol.SubjectOutcome)
	if out.(protocol.OutcomeEvent).Error == "" {
		t.Fatal("outcome event should carry the error")
	}
}

func TestHandlerErrorSpeaksFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{probs: episode(), texts: []string{"bật đèn"}, failing: "turn_on_light"})
	h.run(t, 20)

	rep := h.reports[0]
	if rep.HandlerErr == nil || !rep.Result.IsMatched() {
		t.Fatalf("expected matched result with handler error, got %+v", rep)
	}
	if h.ran["turn_on_light"] != 1 {
		t.Fatalf("handler must not be retried, ran %d times", h.ran["turn_on_light"])
	}
	if rep.Feedback != "Xin lỗi, tôi không hiểu" {
		t.Fatalf("unexpected feedback %q", rep.Feedback)
	}
	out, _ := h.bus.last(protocol.SubjectOutcome)
	if out.(protocol.OutcomeEvent).HandlerError != "relay offline" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRecordingOpenAtEndIsDiscarded(t *testing.T) {
	h := newHarness(t, harnessOpts{probs: []float64{0.1, 0.9, 0.9, 0.9}})
	h.run(t, 6)

	if len(h.reports) != 0 {
		t.Fatalf("unfinished recording must not be emitted, got %d", len(h.reports))
	}
	if h.stt.Calls() != 0 {
		t.Fatal("transcriber must not run")
	}
}

func TestStalledRecordingExpires(t *testing.T) {
	h := newHarness(t, harnessOpts{probs: []float64{0.9}, texts: []string{"tắt đèn"}})
	now := base
	var mu sync.Mutex
	h.pipeline.opts.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	q := audio.NewFrameQueue(4, audio.Block)
	for i := 0; i < 3; i++ {
		_ = q.Push(context.Background(), audio.Frame{Samples: make([]int16, chunk), SampleRate: rate, CapturedAt: base.Add(time.Duration(i) * 10 * time.Millisecond)})
	}
	mu.Lock()
	now = base.Add(time.Second)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, q) }()

	deadline := time.Now().Add(3 * time.Second)
	for h.stt.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.reports) != 1 || h.reports[0].Result.Name() != "turn_off_light" {
		t.Fatalf("expected stalled recording to be handled, got %+v", h.reports)
	}
}

func TestOracleErrorStopsRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.oracle.Err = errors.New("model not loaded")
	err := h.pipeline.Run(context.Background(), feed(t, 3))
	if err == nil || !strings.Contains(err.Error(), "speech oracle") {
		t.Fatalf("expected oracle error, got %v", err)
	}
}

// scoreUntilDone is an oracle that honours cancellation like a subprocess
// or remote scorer does.
func scoreUntilDone(calls *atomic.Int64) vad.Func {
	return func(ctx context.Context, _ []float32, _ int) (float64, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0.9, nil
	}
}

func TestCancelledRunIsCleanStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, harnessOpts{})
		var calls atomic.Int64
		h.pipeline.oracle = scoreUntilDone(&calls)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := h.pipeline.Run(ctx, feed(t, 8)); err != nil {
			t.Fatalf("run %d: cancelled run should stop cleanly, got %v", i, err)
		}
		if calls.Load() != 0 {
			t.Fatalf("run %d: no frame should be scored after cancellation, got %d", i, calls.Load())
		}
	}
}

func TestCancelDuringScoringIsCleanStop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	score := scoreUntilDone(&calls)
	h.pipeline.oracle = vad.Func(func(c context.Context, frame []float32, rate int) (float64, error) {
		// shutdown arrives while the third frame is being scored
		if calls.Load() == 2 {
			cancel()
		}
		return score(c, frame, rate)
	})
	if err := h.pipeline.Run(ctx, feed(t, 8)); err != nil {
		t.Fatalf("cancellation inside the oracle should stop cleanly, got %v", err)
	}
	if h.pipeline.seg.Pending() != 0 {
		t.Fatalf("open recording should be discarded, %d frames pending", h.pipeline.seg.Pending())
	}
	if len(h.reports) != 0 {
		t.Fatalf("no utterance should be handled, got %d", len(h.reports))
	}
}

func TestQueueCallbackReleasedAfterRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	var observed atomic.Int64
	reg, err := observeQueue(func() int64 { observed.Add(1); return 4 }, func() int64 { return 0 })
	if err != nil {
		t.Fatalf("observe queue: %v", err)
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if observed.Load() != 1 {
		t.Fatalf("expected one observation, got %d", observed.Load())
	}
	if err := reg.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if observed.Load() != 1 {
		t.Fatalf("released queue still observed, %d observations", observed.Load())
	}
}

func TestControlChannel(t *testing.T) {
	gen := llm.NewMockGenerator("turn_off_light")
	h := newHarness(t, harnessOpts{strategy: selector.StrategySystemPrompt, gen: gen})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := audio.NewFrameQueue(4, audio.Block)
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, q) }()

	res, err := h.pipeline.Classify(ctx, "tắt đèn đi")
	if err != nil || res.Name() != "turn_off_light" {
		t.Fatalf("classify: %s %v", res.Name(), err)
	}
	if len(h.ran) != 0 {
		t.Fatal("classify must not run handlers")
	}

	prompt, err := h.pipeline.Prompt(ctx)
	if err != nil || !strings.Contains(prompt, "turn_on_fan") {
		t.Fatalf("expected prompt listing the catalog, got %q (%v)", prompt, err)
	}

	if err := h.pipeline.UpdateActions(ctx, action.Set{{Name: "a"}, {Name: "a"}}); !errors.Is(err, action.ErrInvalidActionSet) {
		t.Fatalf("expected invalid set error, got %v", err)
	}
	if len(h.pipeline.Actions()) != 3 {
		t.Fatal("rejected update must keep the previous catalog")
	}

	next := action.Set{{Name: "open_door", Description: "Open the door", Keyword: "mở cửa"}}
	if err := h.pipeline.UpdateActions(ctx, next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if names := h.pipeline.Actions().Names(); len(names) != 1 || names[0] != "open_door" {
		t.Fatalf("unexpected catalog %v", names)
	}
	prompt, _ = h.pipeline.Prompt(ctx)
	if strings.Contains(prompt, "turn_on_fan") || !strings.Contains(prompt, "open_door") {
		t.Fatal("prompt should follow the new catalog")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestControlWithoutConsumer(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.pipeline.Classify(ctx, "bật đèn"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	es, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Enabled:       true,
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
	}, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	h := newHarness(t, harnessOpts{probs: episode(), texts: []string{"bật quạt"}, events: es})
	h.run(t, 20)

	events, err := es.ListEpisodeEvents(context.Background(), h.reports[0].ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{eventstore.TypeUtterance, eventstore.TypeTranscript, eventstore.TypeFeedback, eventstore.TypeClassified}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event types %v", types)
	}
	episodes, err := es.RecentEpisodes(context.Background(), 5)
	if err != nil || len(episodes) != 1 || episodes[0].Frames != 13 {
		t.Fatalf("unexpected episodes %+v (%v)", episodes, err)
	}
}

func TestNewRejectsMissingDeps(t *testing.T) {
	if _, err := New(Options{SampleRate: rate}, Deps{}); err == nil {
		t.Fatal("expected error without backends")
	}
}

func TestUtteranceDump(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHarness(t, harnessOpts{probs: episode(), texts: []string{"bật đèn"}})
	h.pipeline.opts.Dumper = audio.NewDumper(fs, "/dumps")
	h.run(t, 20)

	rep := h.reports[0]
	if rep.DumpPath == "" {
		t.Fatal("expected a dump path")
	}
	f, err := fs.Open(rep.DumpPath)
	if err != nil {
		t.Fatalf("open dump: %v", err)
	}
	defer f.Close()
	samples, sampleRate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if sampleRate != rate || len(samples) != 13*chunk {
		t.Fatalf("unexpected dump rate=%d samples=%d", sampleRate, len(samples))
	}
}
