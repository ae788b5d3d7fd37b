//go:build !whisper

package stt

import (
	"errors"
	"io"
	"log/slog"
)

var ErrNoWhisper = errors.New("built without whisper support (rebuild with -tags whisper)")

func NewWhisperTranscriber(modelPath, language string, logger *slog.Logger) (Transcriber, io.Closer, error) {
	return nil, nil, ErrNoWhisper
}
