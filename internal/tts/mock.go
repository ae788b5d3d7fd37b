package tts

import (
	"context"
	"math"
	"sync"
)

// MockSynth produces a short tone per rune of text and remembers what it
// was asked to say.
type MockSynth struct {
	sampleRate int
	channels   int

	mu    sync.Mutex
	texts []string
}

func NewMockSynth(sampleRate, channels int) *MockSynth {
	return &MockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *MockSynth) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	m.mu.Lock()
	m.texts = append(m.texts, req.Text)
	m.mu.Unlock()

	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}
		n := len([]rune(req.Text)) * m.sampleRate / 100 * m.channels
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(3000 * math.Sin(2*math.Pi*440*float64(i/m.channels)/float64(m.sampleRate)))
		}
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        encodePCM(samples),
			Final:      true,
		}
	}()
	return chunks, errs
}
