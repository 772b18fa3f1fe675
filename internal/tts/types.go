package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

// MIMETypeMP3 is reported for every synthesized artifact.
const MIMETypeMP3 = "audio/mp3"

// ErrSynthesis wraps provider failures and empty payloads.
var ErrSynthesis = errors.New("synthesis failed")

// Result describes a persisted speech file.
type Result struct {
	Artifact audio.Artifact
	MIMEType string
	FileName string
}

// Synthesizer is the contract for producing speech audio from text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outPath string) (Result, error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, runner *procexec.Runner, client *http.Client, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "google":
		return NewGoogleSynthesizer(cfg, client, logger), nil
	case "exec":
		return NewExecSynthesizer(cfg, runner, logger)
	case "mock":
		return NewMockSynthesizer(cfg.MIMEType), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func persist(outPath string, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio payload", ErrSynthesis)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create output dir: %w", ErrSynthesis, err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: write audio: %w", ErrSynthesis, err)
	}
	if mimeType == "" {
		mimeType = MIMETypeMP3
	}
	name := filepath.Base(outPath)
	return Result{
		Artifact: audio.Artifact{Name: name, Format: audio.FormatCompressed, Path: outPath},
		MIMEType: mimeType,
		FileName: name,
	}, nil
}
