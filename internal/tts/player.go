package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minhharry/voiceassistant/internal/audio"
)

// DiscardPlayer drops audio; useful on headless nodes.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(context.Context, Clip) error { return nil }

// WAVPlayer writes every clip to a numbered WAV file instead of a speaker.
type WAVPlayer struct {
	dumper *audio.Dumper
	seq    atomic.Uint64
	log    *slog.Logger
}

func NewWAVPlayer(dumper *audio.Dumper, log *slog.Logger) *WAVPlayer {
	return &WAVPlayer{dumper: dumper, log: log}
}

func (p *WAVPlayer) Play(_ context.Context, clip Clip) error {
	if clip.Channels > 1 {
		return fmt.Errorf("wav player supports mono clips, got %d channels", clip.Channels)
	}
	name := fmt.Sprintf("feedback-%s-%04d", time.Now().UTC().Format("20060102T150405"), p.seq.Add(1))
	path, err := p.dumper.Dump(name, audio.Normalize(clip.Samples), clip.SampleRate)
	if err != nil {
		return err
	}
	p.log.Debug("feedback written", slog.String("path", path), slog.String("text", clip.Text))
	return nil
}
