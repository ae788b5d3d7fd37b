package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Speaker says a phrase out loud.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// SynthSpeaker synthesizes a phrase fully, then hands it to the player.
type SynthSpeaker struct {
	synth   Synthesizer
	player  Player
	voice   string
	timeout time.Duration
	log     *slog.Logger
}

func NewSpeaker(synth Synthesizer, player Player, voice string, log *slog.Logger) *SynthSpeaker {
	if player == nil {
		player = DiscardPlayer{}
	}
	return &SynthSpeaker{
		synth:   synth,
		player:  player,
		voice:   voice,
		timeout: 45 * time.Second,
		log:     log.With(slog.String("component", "tts")),
	}
}

func (s *SynthSpeaker) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	clip := Clip{Text: text}
	var pcm []byte
	chunks, errs := s.synth.Synthesize(ctx, SynthRequest{Text: text, Voice: s.voice})
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			clip.SampleRate, clip.Channels = chunk.SampleRate, chunk.Channels
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(pcm) == 0 {
		return errors.New("synthesize: no audio produced")
	}
	clip.Samples = decodePCM(pcm)
	if err := s.player.Play(ctx, clip); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	s.log.Info("feedback spoken", slog.String("text", text), slog.Int("samples", len(clip.Samples)))
	return nil
}

// LogSpeaker only logs phrases; used when speech output is disabled.
type LogSpeaker struct {
	Log *slog.Logger
}

func (l LogSpeaker) Speak(_ context.Context, text string) error {
	l.Log.Info("feedback", slog.String("text", text))
	return nil
}
