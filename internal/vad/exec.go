package vad

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecOracle drives a long-lived helper process (for example a Silero VAD
// wrapper). Each frame is written as one JSON line on stdin and the helper
// answers with one JSON line on stdout.
type ExecOracle struct {
	args   []string
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

type execFrame struct {
	SampleRate int       `json:"sample_rate"`
	Samples    []float32 `json:"samples"`
}

type execScore struct {
	Probability float64 `json:"probability"`
	Error       string  `json:"error,omitempty"`
}

func NewExecOracle(command string, logger *slog.Logger) (*ExecOracle, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse vad command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("vad command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecOracle{args: args, logger: logger}, nil
}

func (o *ExecOracle) start() error {
	cmd := exec.Command(o.args[0], o.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("vad stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("vad stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start vad helper: %w", err)
	}
	o.cmd = cmd
	o.stdin = stdin
	o.stdout = bufio.NewReaderSize(stdout, 64*1024)
	o.logger.Info("vad helper started", slog.String("command", o.args[0]), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (o *ExecOracle) Score(ctx context.Context, frame []float32, sampleRate int) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if o.cmd == nil {
		if err := o.start(); err != nil {
			return 0, err
		}
	}

	line, err := json.Marshal(execFrame{SampleRate: sampleRate, Samples: frame})
	if err != nil {
		return 0, err
	}
	if _, err := o.stdin.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("write vad frame: %w", err)
	}
	reply, err := o.stdout.ReadBytes('\n')
	if err != nil {
		return 0, fmt.Errorf("read vad score: %w", err)
	}
	var score execScore
	if err := json.Unmarshal(reply, &score); err != nil {
		return 0, fmt.Errorf("decode vad score: %w", err)
	}
	if score.Error != "" {
		return 0, fmt.Errorf("vad helper: %s", score.Error)
	}
	return clamp01(score.Probability), nil
}

// Close terminates the helper process.
func (o *ExecOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cmd == nil {
		return nil
	}
	_ = o.stdin.Close()
	err := o.cmd.Wait()
	o.cmd = nil
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
