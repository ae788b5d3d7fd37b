package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/minhharry/voiceassistant/internal/audio"
)

type execTranscriber struct {
	cmd       []string
	modelPath string
	language  string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewExecTranscriber runs command once per utterance with
// --audio <wav> [--model path] [--language code] and expects a JSON object
// {"text": ..., "confidence": ...} on stdout.
func NewExecTranscriber(command, modelPath, language string) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execTranscriber{cmd: args, modelPath: modelPath, language: language}, nil
}

func (r *execTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "voice_stt_*.wav")
	if err != nil {
		return Result{}, wrapFailed(err, "temp file")
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, sampleRate); err != nil {
		return Result{}, wrapFailed(err, "encode utterance")
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if r.language != "" {
		cmdArgs = append(cmdArgs, "--language", r.language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, failed("stt command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, wrapFailed(err, "decode stt response")
	}
	return Result{Text: strings.TrimSpace(resp.Text), Language: resp.Language, Confidence: resp.Confidence}, nil
}
