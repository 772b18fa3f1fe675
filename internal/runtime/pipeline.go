package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
	"github.com/loqalabs/loqa-s2s/internal/llm"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
	"github.com/loqalabs/loqa-s2s/internal/stt"
	"github.com/loqalabs/loqa-s2s/internal/tts"
)

// NewPipeline builds the stage providers selected by cfg and the
// orchestrator that runs turns through them.
func NewPipeline(cfg config.Config, logger *slog.Logger) (*pipeline.Orchestrator, *conversation.Store, error) {
	runner := procexec.NewRunner(0, logger.With(slog.String("component", "procexec")))

	transcoder, err := audio.NewTranscoder(cfg.Transcode, runner, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("transcoder: %w", err)
	}
	recognizer, err := stt.New(cfg.STT, runner, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("recognizer: %w", err)
	}
	completer, err := llm.New(cfg.LLM, runner, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("completer: %w", err)
	}
	synthesizer, err := tts.New(cfg.TTS, runner, &http.Client{Timeout: time.Duration(cfg.Pipeline.SynthesizeTimeoutMS) * time.Millisecond}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("synthesizer: %w", err)
	}

	store := conversation.NewStore(cfg.Conversation.MaxSessions, time.Duration(cfg.Conversation.IdleTTLMS)*time.Millisecond)
	engine := conversation.NewEngine(completer, cfg.LLM, conversation.OrphanPolicy(cfg.Conversation.OrphanPolicy), logger)

	orch, err := pipeline.New(pipeline.Deps{
		Transcoder:  transcoder,
		Recognizer:  recognizer,
		Engine:      engine,
		Store:       store,
		Synthesizer: synthesizer,
	}, pipeline.OptionsFromConfig(cfg), logger)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("pipeline ready",
		slog.String("transcode", cfg.Transcode.Mode),
		slog.String("stt", cfg.STT.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("tts", cfg.TTS.Mode))
	return orch, store, nil
}
