//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type whisperTranscriber struct {
	model    whisperlib.Model
	language string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewWhisperTranscriber loads a ggml model once; each call gets a fresh
// context because contexts are not goroutine safe.
func NewWhisperTranscriber(modelPath, language string, logger *slog.Logger) (Transcriber, io.Closer, error) {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &whisperTranscriber{model: model, language: language, logger: logger}, model, nil
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	if sampleRate != whisperlib.SampleRate {
		return Result{}, failed("whisper expects %d Hz audio, got %d", whisperlib.SampleRate, sampleRate)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	wctx, err := w.model.NewContext()
	if err != nil {
		return Result{}, wrapFailed(err, "whisper context")
	}
	if w.language != "" {
		if err := wctx.SetLanguage(w.language); err != nil {
			w.logger.Warn("whisper: failed to set language", slog.String("language", w.language), slog.String("error", err.Error()))
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, wrapFailed(err, "whisper process")
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, wrapFailed(err, "whisper segment")
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Result{Text: strings.Join(parts, " "), Language: w.language, Confidence: 1}, nil
}
