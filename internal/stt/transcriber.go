package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrTranscription marks a failed transcription. Callers treat it as its
// own outcome rather than as unrecognised speech.
var ErrTranscription = errors.New("transcription failed")

// Result captures transcriber output.
type Result struct {
	Text       string
	Language   string
	Confidence float64
}

// Transcriber converts mono float samples into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTranscription, fmt.Sprintf(format, args...))
}

func wrapFailed(err error, what string) error {
	return fmt.Errorf("%w: %s: %w", ErrTranscription, what, err)
}
