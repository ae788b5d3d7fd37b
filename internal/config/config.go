package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	VAD         VADConfig        `yaml:"vad"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Selector    SelectorConfig   `yaml:"selector"`
	TTS         TTSConfig        `yaml:"tts"`
	Feedback    FeedbackConfig   `yaml:"feedback"`
	Actions     ActionsConfig    `yaml:"actions"`
	Debug       DebugConfig      `yaml:"debug"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEpisodes   int    `yaml:"max_episodes"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes the capture side of the pipeline.
type AudioConfig struct {
	Source         string `yaml:"source"` // portaudio, wav, silence
	WAVPath        string `yaml:"wav_path"`
	Realtime       bool   `yaml:"realtime"`
	SampleRate     int    `yaml:"sample_rate"`
	ChunkSize      int    `yaml:"chunk_size"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	OverflowPolicy string `yaml:"overflow_policy"` // block, drop_oldest
}

type SegmenterConfig struct {
	SpeechThreshold    float64 `yaml:"speech_threshold"`
	SilenceTimeoutMS   int     `yaml:"silence_timeout_ms"`
	PreBufferMax       int     `yaml:"pre_buffer_max"`
	MinUtteranceFrames int     `yaml:"min_utterance_frames"`
	PollTimeoutMS      int     `yaml:"poll_timeout_ms"`
}

func (s SegmenterConfig) SilenceTimeout() time.Duration {
	return time.Duration(s.SilenceTimeoutMS) * time.Millisecond
}

func (s SegmenterConfig) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutMS) * time.Millisecond
}

type VADConfig struct {
	Mode         string    `yaml:"mode"` // energy, spectral, exec, mock
	Command      string    `yaml:"command"`
	EnergyFloor  float64   `yaml:"energy_floor"`
	EnergyCeil   float64   `yaml:"energy_ceiling"`
	MockSequence []float64 `yaml:"mock_sequence"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	MockText  string `yaml:"mock_text"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode        string        `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string        `yaml:"endpoint"`
	Command     string        `yaml:"command"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	TimeoutMS   int           `yaml:"timeout_ms"`
	MockReply   string        `yaml:"mock_reply"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	ResetTimeoutMS int `yaml:"reset_timeout_ms"`
}

type SelectorConfig struct {
	Strategy          string  `yaml:"strategy"` // keyword, fuzzy_keyword, single_prompt, voting, system_prompt
	Seed              int64   `yaml:"seed"`
	VotingConcurrency int     `yaml:"voting_concurrency"`
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold"`
	LexiconPath       string  `yaml:"lexicon_path"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`   // mock, exec
	Player     string `yaml:"player"` // discard, wav, portaudio
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	OutputDir  string `yaml:"output_dir"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type FeedbackConfig struct {
	SuccessPrefix string `yaml:"success_prefix"`
	FailurePhrase string `yaml:"failure_phrase"`
}

type ActionsConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	WASMDir     string `yaml:"wasm_dir"`
}

type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	DumpDir string `yaml:"dump_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "voice-assistant",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voice-node-1",
			Role:              "assistant",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/voice-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEpisodes:   10000,
		},
		Audio: AudioConfig{
			Source:         "portaudio",
			Realtime:       true,
			SampleRate:     16000,
			ChunkSize:      512,
			QueueCapacity:  256,
			OverflowPolicy: "block",
		},
		Segmenter: SegmenterConfig{
			SpeechThreshold:  0.5,
			SilenceTimeoutMS: 1000,
			PreBufferMax:     16,
			PollTimeoutMS:    100,
		},
		VAD: VADConfig{
			Mode:        "energy",
			EnergyFloor: 0.01,
			EnergyCeil:  0.05,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "vi",
			TimeoutMS: 30000,
		},
		LLM: LLMConfig{
			Mode:        "ollama",
			Endpoint:    "http://localhost:11434",
			Model:       "qwen2.5",
			Temperature: 0,
			TimeoutMS:   30000,
			Breaker: BreakerConfig{
				MaxFailures:    5,
				ResetTimeoutMS: 30000,
			},
		},
		Selector: SelectorConfig{
			Strategy:          "system_prompt",
			Seed:              1,
			VotingConcurrency: 1,
			FuzzyThreshold:    0.92,
		},
		TTS: TTSConfig{
			Enabled:    false,
			Mode:       "mock",
			Player:     "discard",
			SampleRate: 22050,
			Channels:   1,
		},
		Feedback: FeedbackConfig{
			SuccessPrefix: "Đã thực hiện hành động ",
			FailurePhrase: "Không thể thực hiện hành động",
		},
	}
}

// Load reads an optional YAML file over Default, then applies a .env file
// (when present) and VA_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(os.Getenv("VA_DOTENV")); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "VA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "VA_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "VA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEpisodes, "VA_EVENT_STORE_MAX_EPISODES")
	overrideString(&cfg.Audio.Source, "VA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.WAVPath, "VA_AUDIO_WAV_PATH")
	overrideInt(&cfg.Audio.SampleRate, "VA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.ChunkSize, "VA_AUDIO_CHUNK_SIZE")
	overrideInt(&cfg.Audio.QueueCapacity, "VA_AUDIO_QUEUE_CAPACITY")
	overrideString(&cfg.Audio.OverflowPolicy, "VA_AUDIO_OVERFLOW_POLICY")
	overrideFloat(&cfg.Segmenter.SpeechThreshold, "VA_SEGMENTER_SPEECH_THRESHOLD")
	overrideInt(&cfg.Segmenter.SilenceTimeoutMS, "VA_SEGMENTER_SILENCE_TIMEOUT_MS")
	overrideInt(&cfg.Segmenter.PreBufferMax, "VA_SEGMENTER_PRE_BUFFER_MAX")
	overrideInt(&cfg.Segmenter.MinUtteranceFrames, "VA_SEGMENTER_MIN_UTTERANCE_FRAMES")
	overrideString(&cfg.VAD.Mode, "VA_VAD_MODE")
	overrideString(&cfg.VAD.Command, "VA_VAD_COMMAND")
	overrideString(&cfg.STT.Mode, "VA_STT_MODE")
	overrideString(&cfg.STT.Command, "VA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VA_STT_LANGUAGE")
	overrideString(&cfg.LLM.Mode, "VA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "VA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "VA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "VA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "VA_LLM_API_KEY")
	overrideFloat(&cfg.LLM.Temperature, "VA_LLM_TEMPERATURE")
	overrideString(&cfg.Selector.Strategy, "VA_SELECTOR_STRATEGY")
	overrideInt64(&cfg.Selector.Seed, "VA_SELECTOR_SEED")
	overrideInt(&cfg.Selector.VotingConcurrency, "VA_SELECTOR_VOTING_CONCURRENCY")
	overrideBool(&cfg.TTS.Enabled, "VA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "VA_TTS_MODE")
	overrideString(&cfg.TTS.Player, "VA_TTS_PLAYER")
	overrideString(&cfg.TTS.Command, "VA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VA_TTS_VOICE")
	overrideString(&cfg.Actions.CatalogPath, "VA_ACTIONS_CATALOG_PATH")
	overrideBool(&cfg.Debug.Enabled, "VA_DEBUG")
	overrideString(&cfg.Debug.DumpDir, "VA_DEBUG_DUMP_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.Audio.Source {
	case "portaudio", "silence":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when source=wav")
		}
	default:
		return errors.New("audio.source must be one of portaudio|wav|silence")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if cfg.Audio.QueueCapacity <= 0 {
		return errors.New("audio.queue_capacity must be positive")
	}
	switch cfg.Audio.OverflowPolicy {
	case "block", "drop_oldest":
	default:
		return errors.New("audio.overflow_policy must be one of block|drop_oldest")
	}

	if cfg.Segmenter.SpeechThreshold < 0 || cfg.Segmenter.SpeechThreshold >= 1 {
		return errors.New("segmenter.speech_threshold must be in [0,1)")
	}
	if cfg.Segmenter.SilenceTimeoutMS <= 0 {
		return errors.New("segmenter.silence_timeout_ms must be positive")
	}
	if cfg.Segmenter.PreBufferMax < 0 {
		return errors.New("segmenter.pre_buffer_max must be >= 0")
	}
	if cfg.Segmenter.MinUtteranceFrames < 0 {
		return errors.New("segmenter.min_utterance_frames must be >= 0")
	}
	if cfg.Segmenter.PollTimeoutMS <= 0 {
		return errors.New("segmenter.poll_timeout_ms must be positive")
	}

	switch cfg.VAD.Mode {
	case "energy", "spectral", "mock":
	case "exec":
		if cfg.VAD.Command == "" {
			return errors.New("vad.command must be set when mode=exec")
		}
	default:
		return errors.New("vad.mode must be one of energy|spectral|exec|mock")
	}
	if cfg.VAD.EnergyCeil <= cfg.VAD.EnergyFloor {
		return errors.New("vad.energy_ceiling must be greater than vad.energy_floor")
	}

	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}

	switch cfg.LLM.Mode {
	case "mock":
	case "ollama", "openai":
		if cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec")
	}
	if cfg.LLM.Model == "" && cfg.LLM.Mode != "mock" {
		return errors.New("llm.model must not be empty")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.Breaker.MaxFailures < 0 {
		return errors.New("llm.breaker.max_failures must be >= 0")
	}

	switch cfg.Selector.Strategy {
	case "keyword", "fuzzy_keyword", "single_prompt", "voting", "system_prompt":
	default:
		return errors.New("selector.strategy must be one of keyword|fuzzy_keyword|single_prompt|voting|system_prompt")
	}
	if cfg.Selector.VotingConcurrency <= 0 {
		return errors.New("selector.voting_concurrency must be >= 1")
	}
	if cfg.Selector.FuzzyThreshold <= 0 || cfg.Selector.FuzzyThreshold > 1 {
		return errors.New("selector.fuzzy_threshold must be in (0,1]")
	}

	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		switch cfg.TTS.Player {
		case "discard", "portaudio":
		case "wav":
			if cfg.TTS.OutputDir == "" {
				return errors.New("tts.output_dir must be set when player=wav")
			}
		default:
			return errors.New("tts.player must be one of discard|wav|portaudio")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Feedback.FailurePhrase == "" {
		return errors.New("feedback.failure_phrase must not be empty")
	}
	return nil
}
