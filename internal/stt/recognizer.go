package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

// ErrRecognition marks engine failures and empty transcripts.
var ErrRecognition = errors.New("recognition failed")

// Recognizer abstracts STT backends that read a waveform file.
type Recognizer interface {
	Recognize(ctx context.Context, waveformPath string) (string, error)
}

// timestampSpan matches the "[00:00:00.000 --> 00:00:02.000]" prefixes
// whisper.cpp puts on each transcript line.
var timestampSpan = regexp.MustCompile(`\[.*?-->\s*.*?\]`)

// Clean strips timestamp spans and surrounding whitespace. Clean is
// idempotent.
func Clean(raw string) string {
	return strings.TrimSpace(timestampSpan.ReplaceAllString(raw, ""))
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, runner *procexec.Runner, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(cfg.MockText), nil
	case "exec":
		return NewExecRecognizer(cfg, runner, logger)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
