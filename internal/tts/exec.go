package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

type execSynth struct {
	cmd      []string
	mimeType string
	runner   *procexec.Runner
	logger   *slog.Logger
}

// NewExecSynthesizer runs a local engine with the text on stdin. When the
// command mentions {output} the engine writes the file itself, otherwise
// its stdout is saved as the audio.
func NewExecSynthesizer(cfg config.TTSConfig, runner *procexec.Runner, logger *slog.Logger) (Synthesizer, error) {
	args, err := procexec.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	return &execSynth{cmd: args, mimeType: cfg.MIMEType, runner: runner, logger: logger.With(slog.String("component", "tts-exec"))}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, text, outPath string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: nothing to synthesize", ErrSynthesis)
	}
	writesFile := strings.Contains(strings.Join(e.cmd, " "), "{output}")
	argv := procexec.Expand(e.cmd, map[string]string{"output": outPath})

	res, err := e.runner.Run(ctx, argv, strings.NewReader(text))
	if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
		e.logger.Debug("tts command diagnostics", slog.String("stderr", stderr))
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	data := res.Stdout
	if writesFile {
		data, err = os.ReadFile(outPath)
		if err != nil {
			return Result{}, fmt.Errorf("%w: engine output missing: %w", ErrSynthesis, err)
		}
	}
	return persist(outPath, data, e.mimeType)
}
