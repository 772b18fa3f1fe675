package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/llm"
)

var (
	// ErrConversation wraps every completion provider failure.
	ErrConversation = errors.New("conversation failed")
	// ErrEmptyMessage rejects blank user input before state is touched.
	ErrEmptyMessage = errors.New("message is required")
)

// OrphanPolicy decides what happens to the user turn when the provider
// fails.
type OrphanPolicy string

const (
	OrphanKeep     OrphanPolicy = "keep"
	OrphanRollback OrphanPolicy = "rollback"
)

// Engine extends a State with one provider completion per call.
type Engine struct {
	completer llm.Completer
	cfg       config.LLMConfig
	policy    OrphanPolicy
	logger    *slog.Logger
}

func NewEngine(completer llm.Completer, cfg config.LLMConfig, policy OrphanPolicy, logger *slog.Logger) *Engine {
	if policy == "" {
		policy = OrphanKeep
	}
	return &Engine{
		completer: completer,
		cfg:       cfg,
		policy:    policy,
		logger:    logger.With(slog.String("component", "conversation")),
	}
}

// Converse appends the user message, asks the provider for a reply over the
// full history and appends that reply. On provider failure the user turn
// is kept or removed according to the orphan policy.
func (e *Engine) Converse(ctx context.Context, state *State, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}

	userTurn := Turn{Role: RoleUser, Content: message}
	seq := state.Append(userTurn)

	req := llm.RequestFromConfig(e.cfg, e.prompt(state.Snapshot()))
	start := time.Now()
	reply, err := e.completer.Complete(ctx, req)
	if err != nil {
		if e.policy == OrphanRollback {
			state.Remove(seq)
		}
		e.logger.Warn("completion failed",
			slog.String("error", err.Error()),
			slog.String("orphan_policy", string(e.policy)))
		return "", fmt.Errorf("%w: %w", ErrConversation, err)
	}

	state.Append(Turn{Role: RoleAssistant, Content: reply})
	e.logger.Debug("completion received",
		slog.Int("history", state.Len()),
		slog.Duration("latency", time.Since(start)))
	return reply, nil
}

func (e *Engine) prompt(history []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	if system := strings.TrimSpace(e.cfg.SystemPrompt); system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}
