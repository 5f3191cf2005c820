package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Speech      SpeechSection    `yaml:"speech"`
	Capture     CaptureConfig    `yaml:"capture"`
	Streaming   StreamingConfig  `yaml:"streaming"`
	Batch       BatchConfig      `yaml:"batch"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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
	Announce          bool   `yaml:"announce"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechSection holds the provider credentials used when no config store file
// exists yet, and the location of that store.
type SpeechSection struct {
	SpeechConfig `yaml:",inline"`
	StorePath    string `yaml:"store_path"`
}

type CaptureConfig struct {
	Backend       string `yaml:"backend"` // auto, portaudio, command, file
	SampleRate    int    `yaml:"sample_rate"`
	FrameSamples  int    `yaml:"frame_samples"`
	MaxDurationMS int    `yaml:"max_duration_ms"`
	Command       string `yaml:"command"`
	InputFile     string `yaml:"input_file"`
	Realtime      bool   `yaml:"realtime"`
}

type StreamingConfig struct {
	URL         string `yaml:"url"`
	Language    string `yaml:"language"`
	Domain      string `yaml:"domain"`
	Accent      string `yaml:"accent"`
	VADEOS      int    `yaml:"vad_eos"`
	DWA         string `yaml:"dwa"`
	PD          string `yaml:"pd"`
	PTT         int    `yaml:"ptt"`
	RLang       string `yaml:"rlang"`
	VInfo       int    `yaml:"vinfo"`
	NuNum       int    `yaml:"nunum"`
	SpeexSize   int    `yaml:"speex_size"`
	GraceMS     int    `yaml:"grace_ms"`
	InterimMode string `yaml:"interim_mode"` // overwrite, append
}

type BatchConfig struct {
	TokenURL       string `yaml:"token_url"`
	RecognizeURL   string `yaml:"recognize_url"`
	CUID           string `yaml:"cuid"`
	TokenLifetimeH int    `yaml:"token_lifetime_h"`
	TokenMarginH   int    `yaml:"token_margin_h"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type PlaybackConfig struct {
	Command string `yaml:"command"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8087,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-speech-1",
			Role:              "speech",
			Announce:          true,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechSection{
			SpeechConfig: SpeechConfig{Provider: ProviderIflytek},
			StorePath:    "./data/speech.yaml",
		},
		Capture: CaptureConfig{
			Backend:       "auto",
			SampleRate:    16000,
			FrameSamples:  16384,
			MaxDurationMS: 60000,
		},
		Streaming: StreamingConfig{
			URL:         "wss://iat-api.xfyun.cn/v2/iat",
			Language:    "zh_cn",
			Domain:      "iat",
			Accent:      "mandarin",
			VADEOS:      1000,
			DWA:         "wpgs",
			PD:          "edu",
			PTT:         1,
			RLang:       "zh-cn",
			VInfo:       1,
			NuNum:       0,
			SpeexSize:   60,
			GraceMS:     500,
			InterimMode: "overwrite",
		},
		Batch: BatchConfig{
			TokenURL:       "https://aip.baidubce.com/oauth/2.0/token",
			RecognizeURL:   "https://vop.baidu.com/server_api",
			CUID:           "loqa_speech",
			TokenLifetimeH: 30 * 24,
			TokenMarginH:   24,
			TimeoutMS:      30000,
		},
	}
}

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideBool(&cfg.Node.Announce, "LOQA_NODE_ANNOUNCE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.Provider, "LOQA_SPEECH_PROVIDER")
	overrideString(&cfg.Speech.AppID, "LOQA_SPEECH_APP_ID")
	overrideString(&cfg.Speech.APIKey, "LOQA_SPEECH_API_KEY")
	overrideString(&cfg.Speech.APISecret, "LOQA_SPEECH_API_SECRET")
	overrideBool(&cfg.Speech.Enabled, "LOQA_SPEECH_ENABLED")
	overrideString(&cfg.Speech.StorePath, "LOQA_SPEECH_STORE_PATH")
	overrideString(&cfg.Capture.Backend, "LOQA_CAPTURE_BACKEND")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FrameSamples, "LOQA_CAPTURE_FRAME_SAMPLES")
	overrideInt(&cfg.Capture.MaxDurationMS, "LOQA_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.InputFile, "LOQA_CAPTURE_INPUT_FILE")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.Streaming.URL, "LOQA_STREAMING_URL")
	overrideString(&cfg.Streaming.Language, "LOQA_STREAMING_LANGUAGE")
	overrideString(&cfg.Streaming.Domain, "LOQA_STREAMING_DOMAIN")
	overrideString(&cfg.Streaming.Accent, "LOQA_STREAMING_ACCENT")
	overrideInt(&cfg.Streaming.VADEOS, "LOQA_STREAMING_VAD_EOS")
	overrideInt(&cfg.Streaming.GraceMS, "LOQA_STREAMING_GRACE_MS")
	overrideString(&cfg.Streaming.InterimMode, "LOQA_STREAMING_INTERIM_MODE")
	overrideString(&cfg.Batch.TokenURL, "LOQA_BATCH_TOKEN_URL")
	overrideString(&cfg.Batch.RecognizeURL, "LOQA_BATCH_RECOGNIZE_URL")
	overrideString(&cfg.Batch.CUID, "LOQA_BATCH_CUID")
	overrideInt(&cfg.Batch.TokenLifetimeH, "LOQA_BATCH_TOKEN_LIFETIME_H")
	overrideInt(&cfg.Batch.TokenMarginH, "LOQA_BATCH_TOKEN_MARGIN_H")
	overrideInt(&cfg.Batch.TimeoutMS, "LOQA_BATCH_TIMEOUT_MS")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
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
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Speech.Provider {
	case ProviderIflytek, ProviderBaidu, ProviderLocal:
	default:
		return fmt.Errorf("speech.provider must be one of %s|%s|%s", ProviderIflytek, ProviderBaidu, ProviderLocal)
	}
	switch cfg.Capture.Backend {
	case "auto", "portaudio", "command", "file":
	default:
		return errors.New("capture.backend must be one of auto|portaudio|command|file")
	}
	if cfg.Capture.Backend == "command" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when backend=command")
	}
	if cfg.Capture.Backend == "file" && cfg.Capture.InputFile == "" {
		return errors.New("capture.input_file must be set when backend=file")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.FrameSamples <= 0 {
		return errors.New("capture.frame_samples must be positive")
	}
	if cfg.Capture.MaxDurationMS <= 0 {
		return errors.New("capture.max_duration_ms must be positive")
	}
	if cfg.Streaming.URL == "" {
		return errors.New("streaming.url must not be empty")
	}
	switch cfg.Streaming.InterimMode {
	case "overwrite", "append":
	default:
		return errors.New("streaming.interim_mode must be one of overwrite|append")
	}
	if cfg.Streaming.GraceMS < 0 {
		return errors.New("streaming.grace_ms must be >= 0")
	}
	if cfg.Batch.TokenURL == "" || cfg.Batch.RecognizeURL == "" {
		return errors.New("batch.token_url and batch.recognize_url must not be empty")
	}
	if cfg.Batch.TokenMarginH < 0 || cfg.Batch.TokenLifetimeH <= cfg.Batch.TokenMarginH {
		return errors.New("batch.token_lifetime_h must be greater than batch.token_margin_h")
	}
	return nil
}
