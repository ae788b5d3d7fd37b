package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Return codes of host_publish as seen by the guest.
const (
	PublishOK            = 0
	PublishErrNotAllowed = 1
	PublishErrRuntime    = 2
)

// HostBindings are the capabilities a sandboxed handler can reach.
type HostBindings struct {
	Logger       *slog.Logger
	AllowPublish func(subject string) error
	Publish      func(subject string, payload []byte) error
	Audit        func(kind string, data map[string]any)
}

func (h HostBindings) ensure() HostBindings {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.AllowPublish == nil {
		h.AllowPublish = func(string) error { return errors.New("publish disallowed") }
	}
	if h.Publish == nil {
		h.Publish = func(string, []byte) error { return errors.New("publish unsupported") }
	}
	if h.Audit == nil {
		h.Audit = func(string, map[string]any) {}
	}
	return h
}

// Sandbox is a wazero runtime exposing the "env" host module (host_log,
// host_publish) and WASI.
type Sandbox struct {
	rt   wazero.Runtime
	host HostBindings
}

func NewSandbox(ctx context.Context, host HostBindings) (*Sandbox, error) {
	rt := wazero.NewRuntime(ctx)
	host = host.ensure()
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Sandbox{rt: rt, host: host}, nil
}

func (s *Sandbox) Close(ctx context.Context) error {
	if s == nil || s.rt == nil {
		return nil
	}
	return s.rt.Close(ctx)
}

// Run compiles the module at path, instantiates it with env and calls the
// exported entrypoint with no arguments.
func (s *Sandbox) Run(ctx context.Context, path, entrypoint string, env map[string]string) error {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	return s.RunBytes(ctx, wasm, entrypoint, env)
}

func (s *Sandbox) RunBytes(ctx context.Context, wasm []byte, entrypoint string, env map[string]string) error {
	compiled, err := s.rt.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("compile module: %w", err)
	}
	defer compiled.Close(ctx)

	// _start is not run on instantiation; handlers are reactor style.
	cfg := wazero.NewModuleConfig().WithStartFunctions()
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}
	mod, err := s.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return fmt.Errorf("initialize module: %w", err)
		}
	}
	entry := mod.ExportedFunction(entrypoint)
	if entry == nil {
		return fmt.Errorf("entrypoint %q not found", entrypoint)
	}
	if _, err := entry.Call(ctx); err != nil {
		return fmt.Errorf("call %s: %w", entrypoint, err)
	}
	return nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host HostBindings) error {
	logger := host.Logger
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read guest memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		msg := string(data)
		logger.Info("handler log", slog.String("message", msg))
		host.Audit("handler.log", map[string]any{"message": msg})
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostPublishFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		subjectPtr := api.DecodeU32(stack[0])
		subjectLen := api.DecodeU32(stack[1])
		payloadPtr := api.DecodeU32(stack[2])
		payloadLen := api.DecodeU32(stack[3])

		mem := mod.Memory()
		subjectBytes, ok := mem.Read(subjectPtr, subjectLen)
		if !ok {
			stack[0] = api.EncodeI32(PublishErrRuntime)
			return
		}
		subject := string(subjectBytes)
		if err := host.AllowPublish(subject); err != nil {
			logger.Warn("handler publish blocked", slog.String("subject", subject), slog.String("error", err.Error()))
			stack[0] = api.EncodeI32(PublishErrNotAllowed)
			return
		}
		var payload []byte
		if payloadLen > 0 {
			data, ok := mem.Read(payloadPtr, payloadLen)
			if !ok {
				stack[0] = api.EncodeI32(PublishErrRuntime)
				return
			}
			payload = append([]byte(nil), data...)
		}
		if err := host.Publish(subject, payload); err != nil {
			logger.Error("handler publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
			stack[0] = api.EncodeI32(PublishErrRuntime)
			return
		}
		host.Audit("handler.publish", map[string]any{"subject": subject, "payload_bytes": payloadLen})
		stack[0] = api.EncodeI32(PublishOK)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublishFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		WithName("host_publish").
		WithResultNames("code").
		Export("host_publish")

	_, err := builder.Instantiate(ctx)
	return err
}
