package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 5000 {
		t.Fatalf("expected default port 5000, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.FallbackReply != "Error: AI model failed." {
		t.Fatalf("unexpected fallback reply %q", cfg.LLM.FallbackReply)
	}
	if cfg.TTS.MIMEType != "audio/mp3" {
		t.Fatalf("unexpected mime type %q", cfg.TTS.MIMEType)
	}
	if !cfg.Pipeline.UniqueArtifacts {
		t.Fatal("expected unique artifacts by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s2s.yaml")
	data := []byte(`
http:
  port: 8088
stt:
  mode: mock
  mock_text: "testing"
llm:
  mode: mock
tts:
  mode: mock
conversation:
  orphan_policy: rollback
pipeline:
  degrade_on_synthesis_failure: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 8088 {
		t.Fatalf("expected port 8088, got %d", cfg.HTTP.Port)
	}
	if cfg.STT.Mode != "mock" || cfg.STT.MockText != "testing" {
		t.Fatalf("unexpected stt config %+v", cfg.STT)
	}
	if cfg.Conversation.OrphanPolicy != "rollback" {
		t.Fatalf("expected rollback policy, got %q", cfg.Conversation.OrphanPolicy)
	}
	if !cfg.Pipeline.DegradeOnSynthesisFailure {
		t.Fatal("expected degrade flag from file")
	}
	// untouched sections keep defaults
	if cfg.Transcode.Command == "" {
		t.Fatal("expected default transcode command")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("S2S_HTTP_BIND", "0.0.0.0")
	t.Setenv("S2S_HTTP_PORT", "9000")
	t.Setenv("S2S_BUS_ENABLED", "true")
	t.Setenv("S2S_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("S2S_BUS_USERNAME", "alice")
	t.Setenv("S2S_BUS_PASSWORD", "secret")
	t.Setenv("S2S_STT_MODEL_PATH", "/models/ggml-small.bin")
	t.Setenv("S2S_LLM_MODE", "ollama")
	t.Setenv("S2S_LLM_ENDPOINT", "http://localhost:11434")
	t.Setenv("S2S_LLM_TEMPERATURE", "0.3")
	t.Setenv("S2S_TTS_SLOW", "true")
	t.Setenv("S2S_CONVERSATION_MAX_SESSIONS", "12")
	t.Setenv("S2S_PIPELINE_DEGRADE_ON_SYNTHESIS_FAILURE", "true")
	t.Setenv("S2S_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("S2S_EVENT_STORE_RETENTION_DAYS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTP.Bind != "0.0.0.0" || cfg.HTTP.Port != 9000 {
		t.Fatalf("expected http override, got %+v", cfg.HTTP)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus override, got %+v", cfg.Bus)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatal("expected credentials override")
	}
	if cfg.STT.ModelPath != "/models/ggml-small.bin" {
		t.Fatalf("expected model override, got %q", cfg.STT.ModelPath)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Temperature != 0.3 {
		t.Fatalf("expected llm override, got %+v", cfg.LLM)
	}
	if !cfg.TTS.Slow {
		t.Fatal("expected slow speech override")
	}
	if cfg.Conversation.MaxSessions != 12 {
		t.Fatalf("expected max sessions 12, got %d", cfg.Conversation.MaxSessions)
	}
	if !cfg.Pipeline.DegradeOnSynthesisFailure {
		t.Fatal("expected degrade override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 3 {
		t.Fatalf("expected event store override, got %+v", cfg.EventStore)
	}
}

func TestLegacyEnv(t *testing.T) {
	t.Setenv("PORT", "5050")
	t.Setenv("IPADDRESS", "127.0.0.1")
	t.Setenv("WHISPER_BINARY", "/opt/whisper/whisper-cli")
	t.Setenv("WHISPER_MODEL", "/opt/whisper/ggml-base.en.bin")
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("FILE_NAME", "reply.mp3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 5050 || cfg.HTTP.Bind != "127.0.0.1" {
		t.Fatalf("expected legacy http values, got %+v", cfg.HTTP)
	}
	if cfg.STT.Command != "/opt/whisper/whisper-cli" || cfg.STT.ModelPath != "/opt/whisper/ggml-base.en.bin" {
		t.Fatalf("expected legacy whisper values, got %+v", cfg.STT)
	}
	if cfg.LLM.APIKey != "gsk-test" {
		t.Fatal("expected legacy api key")
	}
	if cfg.TTS.FileName != "reply.mp3" || cfg.Pipeline.UniqueArtifacts {
		t.Fatal("expected fixed speech file name when FILE_NAME is set")
	}

	t.Setenv("S2S_HTTP_PORT", "6000")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 6000 {
		t.Fatalf("expected S2S_ override to win, got %d", cfg.HTTP.Port)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }},
		{"bad transcode mode", func(c *Config) { c.Transcode.Mode = "sox" }},
		{"exec stt without model", func(c *Config) { c.STT.ModelPath = "" }},
		{"bad llm mode", func(c *Config) { c.LLM.Mode = "anthropic" }},
		{"exec llm without command", func(c *Config) { c.LLM.Mode = "exec"; c.LLM.Command = "" }},
		{"blank fallback", func(c *Config) { c.LLM.FallbackReply = "  " }},
		{"bad tts mode", func(c *Config) { c.TTS.Mode = "polly" }},
		{"bad orphan policy", func(c *Config) { c.Conversation.OrphanPolicy = "mark" }},
		{"negative timeout", func(c *Config) { c.Pipeline.ConverseTimeoutMS = -1 }},
		{"fixed artifacts without name", func(c *Config) {
			c.Pipeline.UniqueArtifacts = false
			c.TTS.FileName = ""
		}},
		{"bus without servers", func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Embedded = false
			c.Bus.Servers = nil
		}},
		{"bus with short heartbeat timeout", func(c *Config) {
			c.Bus.Enabled = true
			c.Node.HeartbeatTimeoutMS = c.Node.HeartbeatIntervalMS - 1
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := validate(Default()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
