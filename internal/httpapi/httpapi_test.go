package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
	"github.com/loqalabs/loqa-s2s/internal/llm"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
	"github.com/loqalabs/loqa-s2s/internal/stt"
	"github.com/loqalabs/loqa-s2s/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubTurner struct {
	runErr    error
	chatErr   error
	reply     string
	lastRun   pipeline.TurnRequest
	lastChat  string
	lastSess  string
	noAudio   bool
	audioPath string
}

func (s *stubTurner) Run(_ context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error) {
	s.lastRun = req
	if s.runErr != nil {
		return pipeline.TurnResult{}, s.runErr
	}
	res := pipeline.TurnResult{
		RequestID:     req.RequestID,
		SessionID:     conversation.NormalizeSessionID(req.SessionID),
		Uploaded:      req.Input.Path,
		Transcription: "hello",
		Reply:         "Hi, how can I help?",
	}
	if !s.noAudio {
		res.Audio = &tts.Result{
			Artifact: audio.Artifact{Name: "reply.mp3", Format: audio.FormatCompressed, Path: s.audioPath},
			MIMEType: tts.MIMETypeMP3,
			FileName: "reply.mp3",
		}
	}
	return res, nil
}

func (s *stubTurner) Chat(_ context.Context, sessionID, message string) (string, error) {
	s.lastChat = message
	s.lastSess = sessionID
	return s.reply, s.chatErr
}

func newServer(t *testing.T, turner Turner, mutate func(*Options)) (*httptest.Server, Options) {
	t.Helper()
	opts := Options{UploadsDir: filepath.Join(t.TempDir(), "uploads"), MaxUploadBytes: 1 << 20}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(NewRouter(turner, opts, newLogger()))
	t.Cleanup(srv.Close)
	return srv, opts
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func multipartBody(t *testing.T, field, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestChatEndpoint(t *testing.T) {
	turner := &stubTurner{reply: "Hi, how can I help?"}
	srv, _ := newServer(t, turner, nil)

	resp := postJSON(t, srv.URL+"/api/chat", `{"message":"hello","session_id":"web-1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["reply"] != "Hi, how can I help?" {
		t.Fatalf("unexpected body %v", body)
	}
	if turner.lastChat != "hello" || turner.lastSess != "web-1" {
		t.Fatalf("unexpected call %q/%q", turner.lastChat, turner.lastSess)
	}

	resp = postJSON(t, srv.URL+"/api/chat", `{"message":"hi"}`, http.Header{"X-Session-Id": {"hdr-2"}})
	resp.Body.Close()
	if turner.lastSess != "hdr-2" {
		t.Fatalf("expected session from header, got %q", turner.lastSess)
	}
}

func TestChatEndpointErrors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		chatErr error
		status  int
		message string
	}{
		{"blank", `{"message":"   "}`, nil, http.StatusBadRequest, "Message is required"},
		{"missing", `{}`, nil, http.StatusBadRequest, "Message is required"},
		{"undecodable", `{"message":`, nil, http.StatusBadRequest, "Invalid JSON body"},
		{"unexpected", `{"message":"hello"}`, errors.New("boom"), http.StatusInternalServerError, "AI request failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			turner := &stubTurner{chatErr: tc.chatErr}
			srv, _ := newServer(t, turner, nil)
			resp := postJSON(t, srv.URL+"/api/chat", tc.body, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if body := decodeBody(t, resp); body["error"] != tc.message {
				t.Fatalf("unexpected body %v", body)
			}
			if tc.status == http.StatusBadRequest && turner.lastChat != "" {
				t.Fatal("invalid requests must not reach the pipeline")
			}
		})
	}
}

func TestSpeechEndpoint(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "reply.mp3")
	if err := os.WriteFile(audioPath, []byte("mp3-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	turner := &stubTurner{audioPath: audioPath}
	srv, opts := newServer(t, turner, nil)

	body, contentType := multipartBody(t, "audio", "Recording.MP3", []byte("ID3 upload"), map[string]string{"session_id": "call-7"})
	resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	out := decodeBody(t, resp)
	if out["success"] != true || out["transcription"] != "hello" || out["aiReply"] != "Hi, how can I help?" {
		t.Fatalf("unexpected body %v", out)
	}
	file, ok := out["ttsFile"].(map[string]any)
	if !ok {
		t.Fatalf("missing ttsFile in %v", out)
	}
	if file["type"] != "audio/mp3" || file["fileName"] != "reply.mp3" {
		t.Fatalf("unexpected ttsFile %v", file)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(file["data"].(string)); string(decoded) != "mp3-bytes" {
		t.Fatalf("unexpected audio payload %q", decoded)
	}

	if turner.lastRun.SessionID != "call-7" {
		t.Fatalf("expected session from form, got %q", turner.lastRun.SessionID)
	}
	uploaded := turner.lastRun.Input.Path
	if filepath.Dir(uploaded) != opts.UploadsDir || filepath.Ext(uploaded) != ".mp3" {
		t.Fatalf("unexpected upload location %q", uploaded)
	}
	if data, err := os.ReadFile(uploaded); err != nil || string(data) != "ID3 upload" {
		t.Fatalf("upload not persisted: %v", err)
	}
	if out["uploaded"] != uploaded {
		t.Fatalf("expected uploaded path %q, got %v", uploaded, out["uploaded"])
	}
}

func TestSpeechEndpointDegraded(t *testing.T) {
	srv, _ := newServer(t, &stubTurner{noAudio: true}, nil)
	body, contentType := multipartBody(t, "audio", "a.mp3", []byte("x"), nil)
	resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	out := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || out["aiReply"] == nil {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, out)
	}
	if _, ok := out["ttsFile"]; ok {
		t.Fatal("ttsFile must be omitted without audio")
	}
}

func TestSpeechEndpointErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		srv, _ := newServer(t, &stubTurner{}, nil)
		body, contentType := multipartBody(t, "", "", nil, map[string]string{"session_id": "x"})
		resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest || decodeBody(t, resp)["error"] != "Audio file required" {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	})

	t.Run("not multipart", func(t *testing.T) {
		srv, _ := newServer(t, &stubTurner{}, nil)
		resp := postJSON(t, srv.URL+"/api/speechTospeech", `{}`, nil)
		if resp.StatusCode != http.StatusBadRequest || decodeBody(t, resp)["error"] != "Audio file required" {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	})

	t.Run("stage failure", func(t *testing.T) {
		failure := &pipeline.Error{Kind: pipeline.KindRecognition, Stage: pipeline.StageTranscribed, Err: stt.ErrRecognition}
		srv, _ := newServer(t, &stubTurner{runErr: failure}, nil)
		body, contentType := multipartBody(t, "audio", "a.mp3", []byte("x"), nil)
		resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusInternalServerError || decodeBody(t, resp)["error"] != "Failed to process audio" {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	})

	t.Run("too large", func(t *testing.T) {
		srv, _ := newServer(t, &stubTurner{}, func(o *Options) { o.MaxUploadBytes = 1024 })
		body, contentType := multipartBody(t, "audio", "a.mp3", bytes.Repeat([]byte("x"), 4096), nil)
		resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413, got %d", resp.StatusCode)
		}
		resp.Body.Close()
	})
}

func TestHealthReadyAndBanner(t *testing.T) {
	ready := false
	srv, _ := newServer(t, &stubTurner{}, func(o *Options) {
		o.Name = "loqa-s2s"
		o.Ready = func() bool { return ready }
		o.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics") })
	})

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz %d %q", code, body)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", code)
	}
	ready = true
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Fatalf("expected ready, got %d", code)
	}
	if code, body := get("/"); code != http.StatusOK || body != "loqa-s2s backend running." {
		t.Fatalf("banner %d %q", code, body)
	}
	if _, body := get("/metrics"); body != "# metrics" {
		t.Fatalf("metrics %q", body)
	}
}

func TestStaticFrontend(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv, _ := newServer(t, &stubTurner{}, func(o *Options) { o.StaticDir = dir })

	for path, want := range map[string]string{
		"/":               "<html>app</html>",
		"/main.js":        "console.log(1)",
		"/speech/history": "<html>app</html>",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(data) != want {
			t.Fatalf("%s: got %q", path, data)
		}
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newServer(t, &stubTurner{}, nil)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatal("expected CORS origin header on preflight")
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, &stubTurner{reply: "ok"}, func(o *Options) { o.RateLimitPerMin = 2 })
	var last int
	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/chat", `{"message":"hi"}`, nil)
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", last)
	}
}

// TestSpeechToSpeechEndToEnd wires the real pipeline with mock engines.
func TestSpeechToSpeechEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Transcode.WaveformDir = filepath.Join(dir, "waveforms")
	cfg.TTS.OutputDir = filepath.Join(dir, "speech")

	orch, err := pipeline.New(pipeline.Deps{
		Transcoder:  audio.NewSilenceTranscoder(100 * time.Millisecond),
		Recognizer:  stt.NewMockRecognizer("hello"),
		Engine:      conversation.NewEngine(llm.NewMockCompleter("Hi, how can I help?"), cfg.LLM, conversation.OrphanKeep, newLogger()),
		Store:       conversation.NewStore(8, 0),
		Synthesizer: tts.NewMockSynthesizer(tts.MIMETypeMP3),
	}, pipeline.OptionsFromConfig(cfg), newLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := newServer(t, orch, nil)

	body, contentType := multipartBody(t, "audio", "hello.mp3", []byte("ID3"), nil)
	resp, err := http.Post(srv.URL+"/api/speechTospeech", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	out := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %v", resp.StatusCode, out)
	}
	if out["transcription"] != "hello" || out["aiReply"] != "Hi, how can I help?" {
		t.Fatalf("unexpected body %v", out)
	}
	file := out["ttsFile"].(map[string]any)
	if file["type"] != "audio/mp3" || file["fileName"] != fmt.Sprint(out["requestId"])+".mp3" {
		t.Fatalf("unexpected ttsFile %v", file)
	}
	if resp.Header.Get("X-Request-ID") != out["requestId"] {
		t.Fatal("request id header must match the body")
	}
}
