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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	StaticDir       string `yaml:"static_dir"`
	UploadsDir      string `yaml:"uploads_dir"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Transcode    TranscodeConfig    `yaml:"transcode"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	TTS          TTSConfig          `yaml:"tts"`
	Conversation ConversationConfig `yaml:"conversation"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
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

// NodeConfig identifies this runtime to peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TranscodeConfig struct {
	Mode         string `yaml:"mode"` // exec, mock
	Command      string `yaml:"command"`
	WaveformDir  string `yaml:"waveform_dir"`
	WaveformFile string `yaml:"waveform_file"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // exec, mock
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	MockText  string `yaml:"mock_text"`
}

type LLMConfig struct {
	Mode          string  `yaml:"mode"` // openai, ollama, exec, mock
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Command       string  `yaml:"command"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	FallbackReply string  `yaml:"fallback_reply"`
	MockReply     string  `yaml:"mock_reply"`
}

type TTSConfig struct {
	Mode      string `yaml:"mode"` // google, exec, mock
	Host      string `yaml:"host"`
	Language  string `yaml:"language"`
	Slow      bool   `yaml:"slow"`
	Command   string `yaml:"command"`
	MIMEType  string `yaml:"mime_type"`
	OutputDir string `yaml:"output_dir"`
	FileName  string `yaml:"file_name"`
}

type ConversationConfig struct {
	MaxSessions  int    `yaml:"max_sessions"`
	IdleTTLMS    int    `yaml:"idle_ttl_ms"`
	OrphanPolicy string `yaml:"orphan_policy"` // keep, rollback
}

type PipelineConfig struct {
	TranscodeTimeoutMS        int  `yaml:"transcode_timeout_ms"`
	RecognizeTimeoutMS        int  `yaml:"recognize_timeout_ms"`
	ConverseTimeoutMS         int  `yaml:"converse_timeout_ms"`
	SynthesizeTimeoutMS       int  `yaml:"synthesize_timeout_ms"`
	DegradeOnSynthesisFailure bool `yaml:"degrade_on_synthesis_failure"`
	// UniqueArtifacts names waveform and speech files per request instead
	// of reusing transcode.waveform_file and tts.file_name.
	UniqueArtifacts bool `yaml:"unique_artifacts"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-s2s",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "localhost",
			Port:            5000,
			UploadsDir:      "./uploads",
			MaxUploadMB:     25,
			RateLimitPerMin: 120,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                  "s2s-local",
			Role:                "speech",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/s2s-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Transcode: TranscodeConfig{
			Mode:         "exec",
			Command:      "ffmpeg -y -loglevel error -i {input} {output}",
			WaveformDir:  "./data/waveforms",
			WaveformFile: "sample.wav",
		},
		STT: STTConfig{
			Mode:      "exec",
			Command:   "whisper-cli",
			ModelPath: "./models/ggml-base.en.bin",
			MockText:  "hello",
		},
		LLM: LLMConfig{
			Mode:          "openai",
			Endpoint:      "https://api.groq.com/openai/v1",
			Model:         "llama-3.1-8b-instant",
			MaxTokens:     0,
			Temperature:   0,
			FallbackReply: "Error: AI model failed.",
			MockReply:     "Hi, how can I help?",
		},
		TTS: TTSConfig{
			Mode:      "google",
			Host:      "https://translate.google.com",
			Language:  "en",
			Slow:      false,
			MIMEType:  "audio/mp3",
			OutputDir: "./data/speech",
			FileName:  "sample.mp3",
		},
		Conversation: ConversationConfig{
			MaxSessions:  1024,
			IdleTTLMS:    60 * 60 * 1000,
			OrphanPolicy: "keep",
		},
		Pipeline: PipelineConfig{
			TranscodeTimeoutMS:  60000,
			RecognizeTimeoutMS:  120000,
			ConverseTimeoutMS:   60000,
			SynthesizeTimeoutMS: 45000,
			UniqueArtifacts:     true,
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

	applyLegacyEnv(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyLegacyEnv maps the variable names used by earlier deployments.
// S2S_* overrides are applied afterwards and win.
func applyLegacyEnv(cfg *Config) {
	overrideString(&cfg.HTTP.Bind, "IPADDRESS")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.STT.Command, "WHISPER_BINARY")
	overrideString(&cfg.STT.ModelPath, "WHISPER_MODEL")
	overrideString(&cfg.LLM.APIKey, "GROQ_API_KEY")
	if value, ok := os.LookupEnv("FILE_PATH_WAV"); ok && strings.TrimSpace(value) != "" {
		cfg.Transcode.WaveformFile = value
		cfg.Pipeline.UniqueArtifacts = false
	}
	if value, ok := os.LookupEnv("FILE_NAME"); ok && strings.TrimSpace(value) != "" {
		cfg.TTS.FileName = value
		cfg.Pipeline.UniqueArtifacts = false
	}
	if value, ok := os.LookupEnv("NODE_ENV"); ok && value == "production" {
		cfg.Environment = "production"
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "S2S_RUNTIME_NAME")
	overrideString(&cfg.Environment, "S2S_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "S2S_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "S2S_HTTP_PORT")
	overrideString(&cfg.HTTP.StaticDir, "S2S_HTTP_STATIC_DIR")
	overrideString(&cfg.HTTP.UploadsDir, "S2S_HTTP_UPLOADS_DIR")
	overrideInt(&cfg.HTTP.MaxUploadMB, "S2S_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.RateLimitPerMin, "S2S_HTTP_RATE_LIMIT_PER_MIN")
	overrideString(&cfg.Telemetry.LogLevel, "S2S_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "S2S_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "S2S_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "S2S_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "S2S_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "S2S_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "S2S_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "S2S_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "S2S_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "S2S_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "S2S_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "S2S_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "S2S_NODE_ID")
	overrideString(&cfg.Node.Role, "S2S_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "S2S_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "S2S_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "S2S_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "S2S_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "S2S_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "S2S_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "S2S_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Transcode.Mode, "S2S_TRANSCODE_MODE")
	overrideString(&cfg.Transcode.Command, "S2S_TRANSCODE_COMMAND")
	overrideString(&cfg.Transcode.WaveformDir, "S2S_TRANSCODE_WAVEFORM_DIR")
	overrideString(&cfg.Transcode.WaveformFile, "S2S_TRANSCODE_WAVEFORM_FILE")
	overrideString(&cfg.STT.Mode, "S2S_STT_MODE")
	overrideString(&cfg.STT.Command, "S2S_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "S2S_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "S2S_STT_LANGUAGE")
	overrideString(&cfg.STT.MockText, "S2S_STT_MOCK_TEXT")
	overrideString(&cfg.LLM.Mode, "S2S_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "S2S_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "S2S_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "S2S_LLM_MODEL")
	overrideString(&cfg.LLM.Command, "S2S_LLM_COMMAND")
	overrideString(&cfg.LLM.SystemPrompt, "S2S_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "S2S_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "S2S_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.FallbackReply, "S2S_LLM_FALLBACK_REPLY")
	overrideString(&cfg.LLM.MockReply, "S2S_LLM_MOCK_REPLY")
	overrideString(&cfg.TTS.Mode, "S2S_TTS_MODE")
	overrideString(&cfg.TTS.Host, "S2S_TTS_HOST")
	overrideString(&cfg.TTS.Language, "S2S_TTS_LANGUAGE")
	overrideBool(&cfg.TTS.Slow, "S2S_TTS_SLOW")
	overrideString(&cfg.TTS.Command, "S2S_TTS_COMMAND")
	overrideString(&cfg.TTS.MIMEType, "S2S_TTS_MIME_TYPE")
	overrideString(&cfg.TTS.OutputDir, "S2S_TTS_OUTPUT_DIR")
	overrideString(&cfg.TTS.FileName, "S2S_TTS_FILE_NAME")
	overrideInt(&cfg.Conversation.MaxSessions, "S2S_CONVERSATION_MAX_SESSIONS")
	overrideInt(&cfg.Conversation.IdleTTLMS, "S2S_CONVERSATION_IDLE_TTL_MS")
	overrideString(&cfg.Conversation.OrphanPolicy, "S2S_CONVERSATION_ORPHAN_POLICY")
	overrideInt(&cfg.Pipeline.TranscodeTimeoutMS, "S2S_PIPELINE_TRANSCODE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.RecognizeTimeoutMS, "S2S_PIPELINE_RECOGNIZE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ConverseTimeoutMS, "S2S_PIPELINE_CONVERSE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SynthesizeTimeoutMS, "S2S_PIPELINE_SYNTHESIZE_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.DegradeOnSynthesisFailure, "S2S_PIPELINE_DEGRADE_ON_SYNTHESIS_FAILURE")
	overrideBool(&cfg.Pipeline.UniqueArtifacts, "S2S_PIPELINE_UNIQUE_ARTIFACTS")
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
	if cfg.HTTP.UploadsDir == "" {
		return errors.New("http.uploads_dir must not be empty")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.HTTP.RateLimitPerMin < 0 {
		return errors.New("http.rate_limit_per_min must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Transcode.Mode {
	case "exec", "mock":
	default:
		return errors.New("transcode.mode must be one of exec|mock")
	}
	if cfg.Transcode.Mode == "exec" && cfg.Transcode.Command == "" {
		return errors.New("transcode.command must be set when mode=exec")
	}
	if cfg.Transcode.WaveformDir == "" {
		return errors.New("transcode.waveform_dir must not be empty")
	}
	switch cfg.STT.Mode {
	case "exec", "mock":
	default:
		return errors.New("stt.mode must be one of exec|mock")
	}
	if cfg.STT.Mode == "exec" {
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "openai", "ollama", "exec", "mock":
	default:
		return errors.New("llm.mode must be one of openai|ollama|exec|mock")
	}
	if (cfg.LLM.Mode == "openai" || cfg.LLM.Mode == "ollama") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if strings.TrimSpace(cfg.LLM.FallbackReply) == "" {
		return errors.New("llm.fallback_reply must not be empty")
	}
	switch cfg.TTS.Mode {
	case "google", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of google|exec|mock")
	}
	if cfg.TTS.Mode == "google" && cfg.TTS.Host == "" {
		return errors.New("tts.host must be set when mode=google")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.OutputDir == "" {
		return errors.New("tts.output_dir must not be empty")
	}
	if !cfg.Pipeline.UniqueArtifacts {
		if cfg.TTS.FileName == "" {
			return errors.New("tts.file_name must be set when pipeline.unique_artifacts is disabled")
		}
		if cfg.Transcode.WaveformFile == "" {
			return errors.New("transcode.waveform_file must be set when pipeline.unique_artifacts is disabled")
		}
	}
	if cfg.Conversation.MaxSessions < 0 {
		return errors.New("conversation.max_sessions must be >= 0")
	}
	if cfg.Conversation.IdleTTLMS < 0 {
		return errors.New("conversation.idle_ttl_ms must be >= 0")
	}
	switch cfg.Conversation.OrphanPolicy {
	case "keep", "rollback":
	default:
		return errors.New("conversation.orphan_policy must be one of keep|rollback")
	}
	for name, v := range map[string]int{
		"pipeline.transcode_timeout_ms":  cfg.Pipeline.TranscodeTimeoutMS,
		"pipeline.recognize_timeout_ms":  cfg.Pipeline.RecognizeTimeoutMS,
		"pipeline.converse_timeout_ms":   cfg.Pipeline.ConverseTimeoutMS,
		"pipeline.synthesize_timeout_ms": cfg.Pipeline.SynthesizeTimeoutMS,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	return nil
}
