package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

type execRecognizer struct {
	cmd    []string
	cfg    config.STTConfig
	runner *procexec.Runner
	logger *slog.Logger
}

// NewExecRecognizer drives a whisper.cpp style CLI: the waveform is passed
// with -f, the model with -m and an optional language with -l.
func NewExecRecognizer(cfg config.STTConfig, runner *procexec.Runner, logger *slog.Logger) (Recognizer, error) {
	args, err := procexec.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	return &execRecognizer{
		cmd:    args,
		cfg:    cfg,
		runner: runner,
		logger: logger.With(slog.String("component", "stt")),
	}, nil
}

func (r *execRecognizer) Recognize(ctx context.Context, waveformPath string) (string, error) {
	if _, err := os.Stat(waveformPath); err != nil {
		return "", fmt.Errorf("%w: waveform unreadable: %w", ErrRecognition, err)
	}

	argv := append([]string{}, r.cmd...)
	argv = append(argv, "-f", waveformPath)
	if r.cfg.ModelPath != "" {
		argv = append(argv, "-m", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		argv = append(argv, "-l", r.cfg.Language)
	}

	res, err := r.runner.Run(ctx, argv, nil)
	if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
		r.logger.Warn("recognizer diagnostics", slog.String("stderr", stderr))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognition, err)
	}
	if strings.TrimSpace(string(res.Stdout)) == "" {
		return "", fmt.Errorf("%w: engine produced no output", ErrRecognition)
	}

	text := Clean(string(res.Stdout))
	if text == "" {
		return "", fmt.Errorf("%w: transcript is empty after cleaning", ErrRecognition)
	}
	r.logger.Info("recognized speech", slog.Int("chars", len(text)), slog.Duration("elapsed", res.Duration))
	return text, nil
}
