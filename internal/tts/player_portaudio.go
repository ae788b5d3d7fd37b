//go:build portaudio

package tts

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioPlayer plays clips on the default output device.
type PortAudioPlayer struct{}

func NewPortAudioPlayer() (Player, error) { return PortAudioPlayer{}, nil }

func (PortAudioPlayer) Play(ctx context.Context, clip Clip) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	channels := max(clip.Channels, 1)
	out := make([]int16, 1024*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(clip.SampleRate), len(out)/channels, out)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	for off := 0; off < len(clip.Samples); off += len(out) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(out, clip.Samples[off:])
		clear(out[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}
