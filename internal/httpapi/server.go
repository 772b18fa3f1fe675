// Package httpapi exposes the speech and chat turns over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/loqalabs/loqa-s2s/internal/pipeline"
)

// Turner runs speech and chat turns.
type Turner interface {
	Run(ctx context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error)
	Chat(ctx context.Context, sessionID, message string) (string, error)
}

// Options configure the router.
type Options struct {
	Name            string
	UploadsDir      string
	MaxUploadBytes  int64
	StaticDir       string
	RateLimitPerMin int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() bool
}

type handler struct {
	turner Turner
	opts   Options
	logger *slog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(turner Turner, opts Options, logger *slog.Logger) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	h := &handler{turner: turner, opts: opts, logger: logger.With(slog.String("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Session-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		if opts.RateLimitPerMin > 0 {
			api.Use(httprate.LimitByIP(opts.RateLimitPerMin, time.Minute))
		}
		api.Post("/chat", h.chat)
		api.Post("/speechTospeech", h.speechToSpeech)
	})

	if opts.StaticDir != "" {
		r.NotFound(h.static)
	} else {
		r.Get("/", h.banner)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) ready(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Ready == nil || h.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *handler) banner(w http.ResponseWriter, _ *http.Request) {
	name := h.opts.Name
	if name == "" {
		name = "loqa-s2s"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s backend running.", name)
}

// static serves the built frontend and falls back to index.html so client
// side routes resolve.
func (h *handler) static(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead || strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	root, err := filepath.Abs(h.opts.StaticDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Static files unavailable")
		return
	}
	clean := filepath.Join(root, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(clean); err == nil && !info.IsDir() {
		http.ServeFile(w, r, clean)
		return
	}
	http.ServeFile(w, r, filepath.Join(root, "index.html"))
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
