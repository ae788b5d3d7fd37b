// Package assistant wires segmentation, transcription, classification and
// feedback into the voice command pipeline.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/audio"
	"github.com/minhharry/voiceassistant/internal/eventstore"
	"github.com/minhharry/voiceassistant/internal/protocol"
	"github.com/minhharry/voiceassistant/internal/segmenter"
	"github.com/minhharry/voiceassistant/internal/selector"
	"github.com/minhharry/voiceassistant/internal/stt"
	"github.com/minhharry/voiceassistant/internal/tts"
	"github.com/minhharry/voiceassistant/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotRunning is returned by control calls when no consumer picks them up
// before the caller's context ends.
var ErrNotRunning = errors.New("pipeline consumer not running")

// EventPublisher is the bus as seen by the pipeline.
type EventPublisher interface {
	PublishJSON(subject string, v any) error
}

type Feedback struct {
	SuccessPrefix string
	FailurePhrase string
}

type Options struct {
	Segmenter   segmenter.Config
	SampleRate  int
	PollTimeout time.Duration
	STTTimeout  time.Duration
	Strategy    string
	Feedback    Feedback
	// Dumper, when set, writes every utterance to a WAV file.
	Dumper *audio.Dumper
	Now    func() time.Time
	// OnReport observes every processed utterance.
	OnReport func(Report)
	// OnCatalogChange runs on the consumer after a successful UpdateActions.
	OnCatalogChange func(action.Set)
}

type Deps struct {
	Oracle      vad.Oracle
	Transcriber stt.Transcriber
	Selector    selector.Selector
	Actions     action.Set
	Speaker     tts.Speaker
	Events      *eventstore.Store
	Bus         EventPublisher
	Logger      *slog.Logger
}

// Report is what happened to one utterance.
type Report struct {
	ID         string
	Utterance  segmenter.Utterance
	Transcript string
	Result     action.Result
	// Err is a transcription or classification failure.
	Err        error
	HandlerErr error
	Feedback   string
	DumpPath   string
}

// Pipeline is the consumer side of the audio path. It owns the segmenter and
// the selector; other goroutines reach them only through the control
// channel.
type Pipeline struct {
	opts    Options
	oracle  vad.Oracle
	stt     stt.Transcriber
	sel     selector.Selector
	speaker tts.Speaker
	events  *eventstore.Store
	bus     EventPublisher
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	seg     *segmenter.Segmenter
	control chan func()
	actions atomic.Pointer[action.Set]
	running atomic.Bool
}

func New(opts Options, deps Deps) (*Pipeline, error) {
	if deps.Oracle == nil || deps.Transcriber == nil || deps.Selector == nil {
		return nil, errors.New("pipeline needs an oracle, a transcriber and a selector")
	}
	if err := deps.Actions.Validate(); err != nil {
		return nil, err
	}
	if opts.SampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.STTTimeout <= 0 {
		opts.STTTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	seg, err := segmenter.New(opts.Segmenter, opts.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	speaker := deps.Speaker
	if speaker == nil {
		speaker = tts.LogSpeaker{Log: logger}
	}
	p := &Pipeline{
		opts:    opts,
		oracle:  deps.Oracle,
		stt:     deps.Transcriber,
		sel:     deps.Selector,
		speaker: speaker,
		events:  deps.Events,
		bus:     deps.Bus,
		log:     logger.With(slog.String("component", "pipeline")),
		tracer:  otel.Tracer(instrumentation),
		metrics: m,
		seg:     seg,
		control: make(chan func()),
	}
	set := deps.Actions.Clone()
	p.actions.Store(&set)
	return p, nil
}

// Run consumes q until ctx is done or q is closed and drained. A recording
// still open at that point is discarded. Oracle failures end the run.
func (p *Pipeline) Run(ctx context.Context, q *audio.FrameQueue) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer p.running.Store(false)

	reg, err := observeQueue(
		func() int64 { return int64(q.Len()) },
		func() int64 { return int64(q.Dropped()) },
	)
	if err != nil {
		p.log.Warn("queue metrics unavailable", slog.String("error", err.Error()))
	} else {
		defer func() { _ = reg.Unregister() }()
	}

	p.log.Info("pipeline started",
		slog.String("strategy", p.opts.Strategy),
		slog.Int("queue_capacity", q.Cap()),
		slog.String("overflow_policy", string(q.Policy())))

	timer := time.NewTimer(p.opts.PollTimeout)
	defer timer.Stop()
	var lastDropped uint64
	for {
		// a cancelled context wins over frames still queued
		if ctx.Err() != nil {
			p.abandon("shutdown")
			return nil
		}
		select {
		case <-ctx.Done():
			p.abandon("shutdown")
			return nil
		case fn := <-p.control:
			fn()
		case f, open := <-q.C():
			if !open {
				p.abandon("end of stream")
				return nil
			}
			if err := p.step(ctx, f); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					p.abandon("shutdown")
					return nil
				}
				p.abandon("oracle failure")
				return err
			}
			if d := q.Dropped(); d != lastDropped {
				p.log.Warn("frames dropped by overflow policy", slog.Uint64("total", d), slog.Uint64("new", d-lastDropped))
				lastDropped = d
			}
		case <-timer.C:
			if u, ok := p.seg.Expire(p.opts.Now()); ok {
				p.emit(ctx, u)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.opts.PollTimeout)
	}
}

func (p *Pipeline) abandon(reason string) {
	if p.seg.Pending() > 0 {
		p.metrics.discarded.Add(context.Background(), 1)
		p.log.Info("recording discarded", slog.String("reason", reason), slog.Int("frames", p.seg.Pending()))
	}
	p.seg.Reset()
}

func (p *Pipeline) step(ctx context.Context, f audio.Frame) error {
	samples := audio.Normalize(f.Samples)
	prob, err := p.oracle.Score(ctx, samples, p.opts.SampleRate)
	if err != nil {
		return fmt.Errorf("speech oracle: %w", err)
	}
	p.metrics.frames.Add(ctx, 1)

	now := f.CapturedAt
	if now.IsZero() {
		now = p.opts.Now()
	}
	before := p.seg.Discarded()
	u, ok := p.seg.Step(samples, prob, now)
	if p.seg.Discarded() > before {
		p.metrics.discarded.Add(ctx, 1)
		p.log.Debug("short episode discarded", slog.Int("min_frames", p.opts.Segmenter.MinUtteranceFrames))
	}
	if ok {
		p.emit(ctx, u)
	}
	return nil
}

func (p *Pipeline) emit(ctx context.Context, u segmenter.Utterance) {
	p.metrics.utterances.Add(ctx, 1)
	p.metrics.duration.Record(ctx, u.Duration().Seconds())
	rep := p.HandleUtterance(ctx, u)
	if p.opts.OnReport != nil {
		p.opts.OnReport(rep)
	}
}

// HandleUtterance transcribes, classifies and acts on one utterance. It runs
// on the consumer goroutine; backends block the audio path meanwhile.
func (p *Pipeline) HandleUtterance(ctx context.Context, u segmenter.Utterance) Report {
	rep := Report{ID: uuid.NewString(), Utterance: u}
	ctx, span := p.tracer.Start(ctx, "assistant.utterance", trace.WithAttributes(
		attribute.String("utterance.id", rep.ID),
		attribute.Int("utterance.frames", len(u.Frames)),
		attribute.Int("utterance.pre_roll", u.PreRoll),
	))
	defer span.End()
	log := p.log.With(slog.String("utterance_id", rep.ID))

	samples := u.Samples()
	if p.opts.Dumper != nil {
		path, err := p.opts.Dumper.Dump(rep.ID, samples, u.SampleRate)
		if err != nil {
			log.Warn("utterance dump failed", slog.String("error", err.Error()))
		} else {
			rep.DumpPath = path
		}
	}

	uttEvent := protocol.UtteranceEvent{
		UtteranceID: rep.ID,
		Frames:      len(u.Frames),
		PreRoll:     u.PreRoll,
		SampleRate:  u.SampleRate,
		DurationMS:  u.Duration().Milliseconds(),
		StartedAt:   u.StartedAt,
		EndedAt:     u.EndedAt,
		DumpPath:    rep.DumpPath,
	}
	p.recordEpisode(ctx, eventstore.Episode{
		ID:         rep.ID,
		Strategy:   p.opts.Strategy,
		Frames:     len(u.Frames),
		PreRoll:    u.PreRoll,
		DurationMS: uttEvent.DurationMS,
	})
	p.record(ctx, rep.ID, eventstore.TypeUtterance, uttEvent)
	p.publish(protocol.SubjectUtterance, uttEvent)
	log.Info("utterance captured", slog.Int("frames", len(u.Frames)), slog.Int("pre_roll", u.PreRoll))

	text, err := p.transcribe(ctx, samples, u.SampleRate)
	trEvent := protocol.TranscriptEvent{UtteranceID: rep.ID, Text: text.Text, Language: text.Language, Confidence: text.Confidence, Timestamp: p.opts.Now().UTC()}
	if err != nil {
		rep.Err = err
		trEvent.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		log.Error("transcription failed", slog.String("error", err.Error()))
		p.record(ctx, rep.ID, eventstore.TypeTranscriptFailed, trEvent)
		p.publish(protocol.SubjectTranscript, trEvent)
		rep.Result = action.Unknown()
		p.finish(ctx, &rep, log)
		return rep
	}
	rep.Transcript = text.Text
	p.record(ctx, rep.ID, eventstore.TypeTranscript, trEvent)
	p.publish(protocol.SubjectTranscript, trEvent)
	log.Info("transcribed", slog.String("text", text.Text))

	rep.Result, rep.Err = p.classify(ctx, text.Text)
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, "classification failed")
		log.Error("classification failed", slog.String("error", rep.Err.Error()))
	}

	if rep.Result.IsMatched() {
		if err := rep.Result.Action.Run(ctx); err != nil {
			rep.HandlerErr = err
			p.metrics.handlerErrors.Add(ctx, 1)
			span.RecordError(err)
			log.Error("action handler failed", slog.String("action", rep.Result.Name()), slog.String("error", err.Error()))
			p.record(ctx, rep.ID, eventstore.TypeHandlerFailed, map[string]string{
				"action": rep.Result.Name(),
				"error":  err.Error(),
			})
		}
	}
	p.finish(ctx, &rep, log)
	return rep
}

func (p *Pipeline) transcribe(ctx context.Context, samples []float32, rate int) (stt.Result, error) {
	ctx, span := p.tracer.Start(ctx, "assistant.transcribe")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, p.opts.STTTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.stt.Transcribe(ctx, samples, rate)
	p.metrics.transcribeTime.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.failure(ctx, "transcription")
		if !errors.Is(err, stt.ErrTranscription) {
			err = fmt.Errorf("%w: %w", stt.ErrTranscription, err)
		}
		return stt.Result{}, err
	}
	res.Text = strings.TrimSpace(res.Text)
	return res, nil
}

// classify runs the selector; blank text is Unknown without a backend call.
func (p *Pipeline) classify(ctx context.Context, text string) (action.Result, error) {
	if strings.TrimSpace(text) == "" {
		p.metrics.outcome(ctx, p.opts.Strategy, action.OutcomeUnknown.String())
		return action.Unknown(), nil
	}
	ctx, span := p.tracer.Start(ctx, "assistant.classify", trace.WithAttributes(attribute.String("selector.strategy", p.opts.Strategy)))
	defer span.End()

	start := time.Now()
	res, err := p.sel.GenerateAction(ctx, text)
	p.metrics.classifyTime.Record(ctx, time.Since(start).Seconds(), metricAttrs(p.opts.Strategy))
	if err != nil {
		p.metrics.failure(ctx, "classification")
		span.RecordError(err)
		return action.Unknown(), err
	}
	p.metrics.outcome(ctx, p.opts.Strategy, res.Outcome.String())
	span.SetAttributes(attribute.String("selector.outcome", res.Name()))
	return res, nil
}

// finish speaks feedback and publishes the outcome. A handler failure gets
// the failure phrase.
func (p *Pipeline) finish(ctx context.Context, rep *Report, log *slog.Logger) {
	ok := rep.Err == nil && rep.HandlerErr == nil && rep.Result.IsMatched()
	if ok {
		desc := rep.Result.Action.LocalizedDescription
		if desc == "" {
			desc = rep.Result.Action.Description
		}
		rep.Feedback = p.opts.Feedback.SuccessPrefix + desc
	} else {
		rep.Feedback = p.opts.Feedback.FailurePhrase
	}
	if err := p.speaker.Speak(ctx, rep.Feedback); err != nil {
		log.Warn("feedback failed", slog.String("error", err.Error()))
	} else {
		p.record(ctx, rep.ID, eventstore.TypeFeedback, map[string]string{"text": rep.Feedback})
	}

	out := protocol.OutcomeEvent{
		UtteranceID: rep.ID,
		Text:        rep.Transcript,
		Outcome:     rep.Result.Name(),
		Strategy:    p.opts.Strategy,
		Feedback:    rep.Feedback,
		LatencyMS:   p.opts.Now().Sub(rep.Utterance.EndedAt).Milliseconds(),
		Timestamp:   p.opts.Now().UTC(),
	}
	if rep.Result.IsMatched() {
		out.Action = rep.Result.Name()
	}
	kind := eventstore.TypeClassified
	if rep.Err != nil {
		out.Error = rep.Err.Error()
		if !errors.Is(rep.Err, stt.ErrTranscription) {
			kind = eventstore.TypeClassifyFailed
		}
	}
	if rep.HandlerErr != nil {
		out.HandlerError = rep.HandlerErr.Error()
	}
	if !errors.Is(rep.Err, stt.ErrTranscription) {
		p.record(ctx, rep.ID, kind, out)
	}
	p.publish(protocol.SubjectOutcome, out)
	log.Info("utterance handled",
		slog.String("outcome", out.Outcome),
		slog.String("feedback", rep.Feedback))
}

func (p *Pipeline) recordEpisode(ctx context.Context, ep eventstore.Episode) {
	if p.events == nil {
		return
	}
	if err := p.events.AppendEpisode(ctx, ep); err != nil {
		p.log.Warn("failed to record episode", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) record(ctx context.Context, id, kind string, payload any) {
	if p.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("type", kind), slog.String("error", err.Error()))
		return
	}
	evt := eventstore.Event{EpisodeID: id, Type: kind, Payload: data}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := p.events.AppendEvent(ctx, evt); err != nil {
		p.log.Warn("failed to record event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) publish(subject string, v any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
