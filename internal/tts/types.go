// Package tts speaks feedback phrases: a Synthesizer turns text into PCM
// chunks and a Player renders them.
package tts

import (
	"context"
	"encoding/binary"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk carries 16-bit little-endian PCM.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Clip is a fully synthesized phrase.
type Clip struct {
	Text       string
	Samples    []int16
	SampleRate int
	Channels   int
}

// Player renders a clip.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

func decodePCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func encodePCM(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
