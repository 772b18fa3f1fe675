package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

type execTranscoder struct {
	cmd    []string
	runner *procexec.Runner
	logger *slog.Logger
}

// NewExecTranscoder runs an external conversion tool. The command may use
// {input} and {output} placeholders; without them the two paths are
// appended as "-i <input> <output>".
func NewExecTranscoder(command string, runner *procexec.Runner, logger *slog.Logger) (Transcoder, error) {
	args, err := procexec.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	return &execTranscoder{cmd: args, runner: runner, logger: logger.With(slog.String("component", "transcoder"))}, nil
}

func (t *execTranscoder) Transcode(ctx context.Context, inputPath, outputPath string) error {
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("%w: input unreadable: %w", ErrTranscode, err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %w", ErrTranscode, err)
	}

	argv := procexec.Expand(t.cmd, map[string]string{"input": inputPath, "output": outputPath})
	if !hasPlaceholder(t.cmd) {
		argv = append(argv, "-i", inputPath, outputPath)
	}

	res, err := t.runner.Run(ctx, argv, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	if len(res.Stderr) > 0 {
		t.logger.Debug("transcoder diagnostics", slog.String("stderr", strings.TrimSpace(string(res.Stderr))))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("%w: no output written: %w", ErrTranscode, err)
	}

	if info, err := ProbeWaveform(outputPath); err != nil {
		t.logger.Warn("waveform probe failed", slog.String("path", outputPath), slog.String("error", err.Error()))
	} else {
		t.logger.Info("transcoded audio",
			slog.String("output", outputPath),
			slog.Int("sample_rate", info.SampleRate),
			slog.Int("channels", info.Channels),
			slog.Duration("duration", info.Duration),
			slog.Duration("elapsed", res.Duration))
	}
	return nil
}

func hasPlaceholder(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, "{input}") || strings.Contains(arg, "{output}") {
			return true
		}
	}
	return false
}

type silenceTranscoder struct {
	duration time.Duration
}

// NewSilenceTranscoder writes a short silent waveform regardless of the
// input contents. Used in mock mode and tests.
func NewSilenceTranscoder(duration time.Duration) Transcoder {
	return &silenceTranscoder{duration: duration}
}

func (s *silenceTranscoder) Transcode(_ context.Context, inputPath, outputPath string) error {
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("%w: input unreadable: %w", ErrTranscode, err)
	}
	samples := make([]int, int(s.duration.Seconds()*DefaultSampleRate))
	if err := WriteWaveform(outputPath, samples, DefaultSampleRate, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	return nil
}

// NewTranscoder builds the transcoder selected by cfg.Mode.
func NewTranscoder(cfg config.TranscodeConfig, runner *procexec.Runner, logger *slog.Logger) (Transcoder, error) {
	switch cfg.Mode {
	case "mock":
		return NewSilenceTranscoder(500 * time.Millisecond), nil
	case "exec":
		return NewExecTranscoder(cfg.Command, runner, logger)
	default:
		return nil, fmt.Errorf("unsupported transcode mode %q", cfg.Mode)
	}
}
