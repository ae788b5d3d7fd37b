package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/audio"
	"github.com/minhharry/voiceassistant/internal/catalog"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/minhharry/voiceassistant/internal/device"
	"github.com/minhharry/voiceassistant/internal/llm"
	"github.com/minhharry/voiceassistant/internal/segmenter"
	"github.com/minhharry/voiceassistant/internal/selector"
	"github.com/minhharry/voiceassistant/internal/stt"
	"github.com/minhharry/voiceassistant/internal/tts"
	"github.com/minhharry/voiceassistant/internal/vad"
	"github.com/spf13/afero"
)

// closers collects resources released on shutdown, last opened first.
type closers []io.Closer

func (c *closers) add(cl io.Closer) { *c = append(*c, cl) }

func (c closers) closeAll(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// LoadCatalog reads the configured catalog, or the built-in one.
func LoadCatalog(cfg config.ActionsConfig) (catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogPath)
}

// catalogLoader parses an update document and binds it through binder.
func catalogLoader(binder *device.Binder) func([]byte) (action.Set, error) {
	return func(data []byte) (action.Set, error) {
		c, err := catalog.Parse(data)
		if err != nil {
			return nil, err
		}
		return c.ActionSet(binder.Bind)
	}
}

// NewGenerator builds the completion backend named by cfg.Mode, wrapped in a
// circuit breaker and a per-request timeout.
func NewGenerator(cfg config.LLMConfig, logger *slog.Logger) (llm.Generator, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	var gen llm.Generator
	switch cfg.Mode {
	case "mock":
		return llm.NewMockGenerator(cfg.MockReply), nil
	case "ollama":
		gen = llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model, &http.Client{Timeout: timeout})
	case "openai":
		gen = llm.NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model)
	case "exec":
		g, err := llm.NewExecGenerator(cfg.Command, cfg.Model)
		if err != nil {
			return nil, err
		}
		gen = g
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	if timeout > 0 {
		next := gen
		gen = llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (llm.Completion, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next.Generate(ctx, req)
		})
	}
	return llm.NewBreaker(gen, cfg.Breaker.MaxFailures,
		time.Duration(cfg.Breaker.ResetTimeoutMS)*time.Millisecond, logger), nil
}

// NewSelector builds the configured strategy over set. gen may be nil for
// keyword strategies.
func NewSelector(cfg config.Config, gen llm.Generator, set action.Set, logger *slog.Logger) (selector.Selector, error) {
	strategy, err := selector.ParseStrategy(cfg.Selector.Strategy)
	if err != nil {
		return nil, err
	}
	sc := selector.DefaultConfig()
	sc.Strategy = strategy
	sc.Model = cfg.LLM.Model
	sc.Endpoint = cfg.LLM.Endpoint
	sc.Temperature = cfg.LLM.Temperature
	sc.MaxTokens = cfg.LLM.MaxTokens
	sc.Seed = cfg.Selector.Seed
	sc.Debug = cfg.Debug.Enabled
	if cfg.Selector.VotingConcurrency > 0 {
		sc.VotingConcurrency = cfg.Selector.VotingConcurrency
	}
	if cfg.Selector.FuzzyThreshold > 0 {
		sc.FuzzyThreshold = cfg.Selector.FuzzyThreshold
	}
	if cfg.Selector.LexiconPath != "" {
		lex, err := selector.LoadLexicon(cfg.Selector.LexiconPath)
		if err != nil {
			return nil, fmt.Errorf("lexicon: %w", err)
		}
		sc.Lexicon = lex
	}
	return selector.New(sc, gen, set, logger)
}

func newOracle(cfg config.VADConfig, logger *slog.Logger, cl *closers) (vad.Oracle, error) {
	switch cfg.Mode {
	case "energy":
		return vad.NewEnergyOracle(cfg.EnergyFloor, cfg.EnergyCeil), nil
	case "spectral":
		return vad.NewSpectralOracle(cfg.EnergyFloor, cfg.EnergyCeil), nil
	case "mock":
		return vad.NewMockOracle(cfg.MockSequence...), nil
	case "exec":
		o, err := vad.NewExecOracle(cfg.Command, logger)
		if err != nil {
			return nil, err
		}
		cl.add(o)
		return o, nil
	}
	return nil, fmt.Errorf("unknown vad mode %q", cfg.Mode)
}

func newTranscriber(cfg config.STTConfig, logger *slog.Logger, cl *closers) (stt.Transcriber, error) {
	switch cfg.Mode {
	case "mock":
		if cfg.MockText != "" {
			return stt.NewMockTranscriber(cfg.MockText), nil
		}
		return stt.NewMockTranscriber(), nil
	case "exec":
		return stt.NewExecTranscriber(cfg.Command, cfg.ModelPath, cfg.Language)
	case "whisper":
		t, closer, err := stt.NewWhisperTranscriber(cfg.ModelPath, cfg.Language, logger)
		if err != nil {
			return nil, err
		}
		cl.add(closer)
		return t, nil
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

func newSpeaker(cfg config.TTSConfig, fs afero.Fs, logger *slog.Logger) (tts.Speaker, error) {
	if !cfg.Enabled {
		return tts.LogSpeaker{Log: logger}, nil
	}
	var synth tts.Synthesizer
	switch cfg.Mode {
	case "mock":
		synth = tts.NewMockSynth(cfg.SampleRate, cfg.Channels)
	case "exec":
		s, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, err
		}
		synth = s
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}

	var player tts.Player
	switch cfg.Player {
	case "", "discard":
		player = tts.DiscardPlayer{}
	case "wav":
		player = tts.NewWAVPlayer(audio.NewDumper(fs, cfg.OutputDir), logger)
	case "portaudio":
		p, err := tts.NewPortAudioPlayer()
		if err != nil {
			return nil, err
		}
		player = p
	default:
		return nil, fmt.Errorf("unknown tts player %q", cfg.Player)
	}
	return tts.NewSpeaker(synth, player, cfg.Voice, logger), nil
}

func newSource(cfg config.AudioConfig, fs afero.Fs) (audio.FrameSource, error) {
	switch cfg.Source {
	case "portaudio":
		return audio.NewMicrophoneSource(cfg.SampleRate, cfg.ChunkSize)
	case "wav":
		return &audio.WAVSource{FS: fs, Path: cfg.WAVPath, Rate: cfg.SampleRate, Chunk: cfg.ChunkSize, Realtime: cfg.Realtime}, nil
	case "silence":
		return &audio.SilenceSource{Rate: cfg.SampleRate, Chunk: cfg.ChunkSize, Realtime: cfg.Realtime}, nil
	}
	return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
}

func segmenterConfig(cfg config.SegmenterConfig) segmenter.Config {
	return segmenter.Config{
		SpeechThreshold:    cfg.SpeechThreshold,
		SilenceTimeout:     cfg.SilenceTimeout(),
		PreBufferMax:       cfg.PreBufferMax,
		MinUtteranceFrames: cfg.MinUtteranceFrames,
	}
}
