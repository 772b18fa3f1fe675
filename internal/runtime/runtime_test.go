package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.UploadsDir = filepath.Join(dir, "uploads")
	cfg.HTTP.RateLimitPerMin = 0
	cfg.Transcode.Mode = "mock"
	cfg.Transcode.WaveformDir = filepath.Join(dir, "waveforms")
	cfg.STT.Mode = "mock"
	cfg.LLM.Mode = "mock"
	cfg.TTS.Mode = "mock"
	cfg.TTS.OutputDir = filepath.Join(dir, "speech")
	cfg.EventStore.RetentionMode = "persistent"
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	return cfg
}

func setupRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt := New(cfg, newLogger())
	if err := rt.setup(context.Background()); err != nil {
		_ = rt.shutdown(context.Background())
		t.Fatalf("setup: %v", err)
	}
	rt.ready.Store(true)
	t.Cleanup(func() {
		if err := rt.shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rt
}

func TestRuntimeServesSpeechTurn(t *testing.T) {
	rt := setupRuntime(t, mockConfig(t))
	srv := httptest.NewServer(rt.handler)
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "hello.mp3")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("ID3 fake"))
	_ = mw.WriteField("session_id", "desk-1")
	_ = mw.Close()

	resp, err := http.Post(srv.URL+"/api/speechTospeech", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Success       bool   `json:"success"`
		RequestID     string `json:"requestId"`
		Transcription string `json:"transcription"`
		AIReply       string `json:"aiReply"`
		TTSFile       struct {
			Type string `json:"type"`
		} `json:"ttsFile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Transcription != "hello" || body.AIReply != "Hi, how can I help?" || body.TTSFile.Type != "audio/mp3" {
		t.Fatalf("unexpected body %+v", body)
	}

	records, err := rt.events.ListRequestEvents(context.Background(), body.RequestID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(records) != 6 || records[len(records)-1].Stage != "done" {
		t.Fatalf("expected a full stage timeline, got %+v", records)
	}
	if rt.sessions.Len() != 1 {
		t.Fatalf("expected one session, got %d", rt.sessions.Len())
	}
}

func TestRuntimeReadiness(t *testing.T) {
	rt := setupRuntime(t, mockConfig(t))
	srv := httptest.NewServer(rt.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	rt.ready.Store(false)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", resp.StatusCode)
	}
}

func TestRuntimeBusChat(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Node.HeartbeatIntervalMS = 50
	cfg.Node.HeartbeatTimeoutMS = 500
	rt := setupRuntime(t, cfg)

	if !rt.Ready() {
		t.Fatal("expected runtime ready with bus connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ChatReply
	if err := rt.bus.RequestJSON(ctx, protocol.SubjectChatRequest, protocol.ChatRequest{SessionID: "bus", Message: "hello"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Reply != "Hi, how can I help?" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if nodes := rt.registry.Query(nil); len(nodes) != 1 || nodes[0].ID != cfg.Node.ID {
		t.Fatalf("expected own node registered, got %+v", nodes)
	}
}

func TestStartFailsWithoutProviderKey(t *testing.T) {
	cfg := mockConfig(t)
	cfg.LLM.Mode = "openai"
	cfg.LLM.APIKey = ""
	err := New(cfg, newLogger()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestNewPipelineModes(t *testing.T) {
	cfg := mockConfig(t)
	orch, store, err := NewPipeline(cfg, newLogger())
	if err != nil || orch == nil || store == nil {
		t.Fatalf("expected pipeline, got %v", err)
	}
	reply, err := orch.Chat(context.Background(), "", "hello")
	if err != nil || reply != "Hi, how can I help?" {
		t.Fatalf("unexpected chat %q, %v", reply, err)
	}

	cfg.TTS.Mode = "polly"
	if _, _, err := NewPipeline(cfg, newLogger()); err == nil {
		t.Fatal("expected unsupported tts mode to fail")
	}
}
