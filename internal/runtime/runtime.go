// Package runtime assembles the voice assistant node from configuration and
// runs it until the context ends.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/assistant"
	"github.com/minhharry/voiceassistant/internal/audio"
	"github.com/minhharry/voiceassistant/internal/bus"
	"github.com/minhharry/voiceassistant/internal/capability"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/minhharry/voiceassistant/internal/device"
	"github.com/minhharry/voiceassistant/internal/eventstore"
	"github.com/minhharry/voiceassistant/internal/llm"
	"github.com/minhharry/voiceassistant/internal/natsserver"
	"github.com/minhharry/voiceassistant/internal/selector"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	fs     afero.Fs

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	ready         atomic.Bool

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	events      *eventstore.Store
	registry    *capability.Registry
	responder   *assistant.Responder
	pipeline    *assistant.Pipeline
	loadCatalog assistant.CatalogLoader
	closers     closers
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		fs:     afero.NewOsFs(),
	}
}

// Start brings every component up, blocks until ctx is done or the audio
// stream ends, then shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.metrics = metricsHandler
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	src, err := newSource(r.cfg.Audio, r.fs)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	policy, err := audio.ParseOverflowPolicy(r.cfg.Audio.OverflowPolicy)
	if err != nil {
		return err
	}
	queue := audio.NewFrameQueue(r.cfg.Audio.QueueCapacity, policy)

	r.startHTTP()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := audio.Pump(gctx, src, queue)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio capture: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := r.pipeline.Run(gctx, queue); err != nil {
			return err
		}
		if gctx.Err() == nil {
			r.logger.Info("audio stream ended")
			cancel()
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("strategy", r.cfg.Selector.Strategy),
		slog.String("audio_source", r.cfg.Audio.Source))

	runErr := g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.stopHTTP()
	if runErr != nil {
		return runErr
	}
	return nil
}

// build wires the node: bus, event store, device handlers, catalog,
// selector, audio backends and the pipeline.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("embedded nats: %w", err)
		}
		r.embedded = srv
		busCfg := cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.Node.ID, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	events, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	r.events = events

	var pub bus.Publisher
	if r.bus != nil {
		pub = r.bus
	}
	binder := device.NewBinder(pub, cfg.Actions.WASMDir, r.logger)
	binder.Audit = func(name, kind string, data map[string]any) {
		r.logger.Debug("handler audit", slog.String("action", name), slog.String("kind", kind), slog.Any("data", data))
	}
	r.loadCatalog = catalogLoader(binder)

	cat, err := LoadCatalog(cfg.Actions)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	set, err := cat.ActionSet(binder.Bind)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	var gen llm.Generator
	if strategy, _ := selector.ParseStrategy(cfg.Selector.Strategy); strategy.UsesLLM() {
		if gen, err = NewGenerator(cfg.LLM, r.logger); err != nil {
			return fmt.Errorf("llm: %w", err)
		}
	}
	sel, err := NewSelector(cfg, gen, set, r.logger)
	if err != nil {
		return fmt.Errorf("selector: %w", err)
	}

	oracle, err := newOracle(cfg.VAD, r.logger, &r.closers)
	if err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	transcriber, err := newTranscriber(cfg.STT, r.logger, &r.closers)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	speaker, err := newSpeaker(cfg.TTS, r.fs, r.logger)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	opts := assistant.Options{
		Segmenter:   segmenterConfig(cfg.Segmenter),
		SampleRate:  cfg.Audio.SampleRate,
		PollTimeout: cfg.Segmenter.PollTimeout(),
		STTTimeout:  time.Duration(cfg.STT.TimeoutMS) * time.Millisecond,
		Strategy:    cfg.Selector.Strategy,
		Feedback: assistant.Feedback{
			SuccessPrefix: cfg.Feedback.SuccessPrefix,
			FailurePhrase: cfg.Feedback.FailurePhrase,
		},
		OnCatalogChange: r.advertise,
	}
	if cfg.Debug.Enabled && cfg.Debug.DumpDir != "" {
		opts.Dumper = audio.NewDumper(r.fs, cfg.Debug.DumpDir)
	}
	deps := assistant.Deps{
		Oracle:      oracle,
		Transcriber: transcriber,
		Selector:    sel,
		Actions:     set,
		Speaker:     speaker,
		Events:      events,
		Logger:      r.logger,
	}
	if r.bus != nil {
		deps.Bus = r.bus
	}
	pipeline, err := assistant.New(opts, deps)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	r.pipeline = pipeline

	if r.bus != nil {
		registry, err := capability.NewRegistry(ctx, cfg.Node, r.bus, capability.Advertisement{
			Strategy: cfg.Selector.Strategy,
			Actions:  set.Names(),
		}, r.logger)
		if err != nil {
			return fmt.Errorf("capability registry: %w", err)
		}
		r.registry = registry

		r.responder = assistant.NewResponder(ctx, pipeline, r.bus, r.loadCatalog, r.logger)
		if err := r.responder.Start(); err != nil {
			return fmt.Errorf("bus responder: %w", err)
		}
	}
	return nil
}

// advertise runs on the pipeline consumer after a catalog change.
func (r *Runtime) advertise(set action.Set) {
	if r.registry == nil {
		return
	}
	offer := capability.Advertisement{Strategy: r.cfg.Selector.Strategy, Actions: set.Names()}
	if err := r.registry.Update(offer); err != nil {
		r.logger.Warn("failed to advertise catalog", slog.String("error", err.Error()))
	}
}

func (r *Runtime) teardown() {
	if r.responder != nil {
		r.responder.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	r.closers.closeAll(r.logger)
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) startHTTP() {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go r.serve(r.httpServer)

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go r.serve(r.metricsServer)
	}
}

func (r *Runtime) serve(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
	}
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
}
