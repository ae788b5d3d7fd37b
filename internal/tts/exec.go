package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs one helper process per phrase, e.g. a piper or espeak
// wrapper. The phrase goes to stdin as a JSON object; the helper answers with
// JSON lines, each carrying a slice of base64 PCM. A line with "error" set
// aborts the phrase.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int

	// one phrase at a time; helpers often hold the audio device
	mu sync.Mutex
}

type phraseRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type pcmLine struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command is empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.speakPhrase(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) speakPhrase(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	input, err := json.Marshal(phraseRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.argv[0], err)
	}

	streamErr := e.stream(ctx, stdout, out)
	// unblock the helper before reaping it
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	switch {
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", e.argv[0], waitErr, msg)
		}
		return fmt.Errorf("%s: %w", e.argv[0], waitErr)
	}
	return nil
}

func (e *execSynth) stream(ctx context.Context, r io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for seq := 0; scanner.Scan(); {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line pcmLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode tts output: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("tts helper: %s", line.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(line.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode pcm: %w", err)
		}
		rate := e.sampleRate
		if line.SampleRate > 0 {
			rate = line.SampleRate
		}
		select {
		case out <- SynthChunk{Sequence: seq, SampleRate: rate, Channels: e.channels, PCM: pcm, Final: line.Final}:
		case <-ctx.Done():
			return ctx.Err()
		}
		seq++
		if line.Final {
			break
		}
	}
	return scanner.Err()
}
