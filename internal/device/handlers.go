// Package device turns catalog handler specs into action handlers: the side
// channel through which a matched action reaches lights, fans and whatever
// else the catalog describes.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/catalog"
)

const defaultTimeout = 10 * time.Second

// ErrNoBus fails publish handlers on a node running without the bus.
var ErrNoBus = errors.New("bus disabled, device command not sent")

// Binder builds handlers for catalog entries. Bus may be nil, in which case
// publish handlers fail with ErrNoBus.
type Binder struct {
	Bus     bus.Publisher
	Logger  *slog.Logger
	WASMDir string
	// Audit receives sandbox activity (log lines, publishes, invocations).
	Audit func(actionName, kind string, data map[string]any)
}

func NewBinder(pub bus.Publisher, wasmDir string, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{Bus: pub, Logger: logger.With(slog.String("component", "device")), WASMDir: wasmDir}
}

// Bind satisfies catalog.Binder.
func (b *Binder) Bind(e catalog.Entry) (action.Handler, error) {
	h := e.Handler
	timeout := defaultTimeout
	if h.TimeoutMS > 0 {
		timeout = time.Duration(h.TimeoutMS) * time.Millisecond
	}
	var run action.Handler
	switch h.Kind {
	case "", "log":
		run = b.logHandler(e)
	case "publish":
		run = b.publishHandler(e)
	case "exec":
		args, err := shellwords.Parse(h.Command)
		if err != nil {
			return nil, fmt.Errorf("parse command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		run = b.execHandler(e, args)
	case "wasm":
		run = b.wasmHandler(e)
	default:
		return nil, fmt.Errorf("handler kind %q not supported", h.Kind)
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return run(ctx)
	}, nil
}

func (b *Binder) logHandler(e catalog.Entry) action.Handler {
	return func(context.Context) error {
		b.Logger.Info("action performed", slog.String("action", e.Name))
		return nil
	}
}

func (b *Binder) publishHandler(e catalog.Entry) action.Handler {
	subject, payload := e.Handler.Subject, []byte(e.Handler.Payload)
	return func(context.Context) error {
		if b.Bus == nil {
			return fmt.Errorf("publish %s: %w", subject, ErrNoBus)
		}
		if err := b.Bus.Publish(subject, payload); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		b.Logger.Info("device command sent", slog.String("action", e.Name), slog.String("subject", subject))
		return nil
	}
}

func (b *Binder) execHandler(e catalog.Entry, args []string) action.Handler {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Env = append(os.Environ(), "ACTION_NAME="+e.Name, "ACTION_PAYLOAD="+e.Handler.Payload)
		for k, v := range e.Handler.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if stderr.Len() > 0 {
				return fmt.Errorf("run %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
			}
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		return nil
	}
}

func (b *Binder) wasmHandler(e catalog.Entry) action.Handler {
	path := e.Handler.Module
	if !filepath.IsAbs(path) && b.WASMDir != "" {
		path = filepath.Join(b.WASMDir, path)
	}
	allowed := make(map[string]struct{}, len(e.Handler.Publish))
	for _, s := range e.Handler.Publish {
		allowed[s] = struct{}{}
	}

	return func(ctx context.Context) error {
		invocationID := uuid.NewString()
		logger := b.Logger.With(slog.String("action", e.Name), slog.String("invocation_id", invocationID))
		audit := func(kind string, data map[string]any) {
			if b.Audit == nil {
				return
			}
			data["invocation_id"] = invocationID
			b.Audit(e.Name, kind, data)
		}

		sandbox, err := NewSandbox(ctx, HostBindings{
			Logger: logger,
			AllowPublish: func(subject string) error {
				if _, ok := allowed[subject]; !ok {
					return fmt.Errorf("subject %s not declared for action %s", subject, e.Name)
				}
				if b.Bus == nil {
					return fmt.Errorf("bus disabled")
				}
				return nil
			},
			Publish: func(subject string, payload []byte) error {
				return b.Bus.Publish(subject, payload)
			},
			Audit: audit,
		})
		if err != nil {
			return err
		}
		defer sandbox.Close(ctx)

		env := map[string]string{
			"ACTION_NAME":    e.Name,
			"ACTION_PAYLOAD": e.Handler.Payload,
			"INVOCATION_ID":  invocationID,
		}
		for k, v := range e.Handler.Env {
			env[k] = v
		}

		start := time.Now()
		audit("handler.invoke.start", map[string]any{"module": path})
		if err := sandbox.Run(ctx, path, e.Handler.Entrypoint, env); err != nil {
			audit("handler.invoke.error", map[string]any{"error": err.Error()})
			return err
		}
		audit("handler.invoke.complete", map[string]any{"duration_ms": time.Since(start).Milliseconds()})
		return nil
	}
}
