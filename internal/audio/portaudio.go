//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// MicrophoneSource captures from the default input device.
type MicrophoneSource struct {
	Rate  int
	Chunk int
	Now   func() time.Time
}

func NewMicrophoneSource(rate, chunk int) (FrameSource, error) {
	return &MicrophoneSource{Rate: rate, Chunk: chunk}, nil
}

func (m *MicrophoneSource) SampleRate() int { return m.Rate }
func (m *MicrophoneSource) ChunkSize() int  { return m.Chunk }

func (m *MicrophoneSource) Run(ctx context.Context, emit func(Frame) error) error {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	in := make([]int16, m.Chunk)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.Rate), len(in), in)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()

	var seq uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(); err != nil {
			return fmt.Errorf("read input stream: %w", err)
		}
		samples := make([]int16, len(in))
		copy(samples, in)
		if err := emit(Frame{Seq: seq, Samples: samples, SampleRate: m.Rate, CapturedAt: now()}); err != nil {
			return err
		}
		seq++
	}
}
