package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

// Role values accepted by chat completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNoCandidates is returned when a provider answers without choices.
	ErrNoCandidates = errors.New("llm: completion returned no candidates")
	// ErrEmptyCompletion is returned when the first candidate has no text.
	ErrEmptyCompletion = errors.New("llm: completion text is empty")
)

// Message is one entry of the prompt sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single chat completion.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completer defines a pluggable chat completion backend. Implementations
// return the text of the first candidate.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// RequestFromConfig fills model defaults for req.
func RequestFromConfig(cfg config.LLMConfig, messages []Message) Request {
	return Request{
		Messages:    messages,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// New builds the completer selected by cfg.Mode.
func New(cfg config.LLMConfig, runner *procexec.Runner, logger *slog.Logger) (Completer, error) {
	switch cfg.Mode {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("llm.api_key must be set when mode=openai (GROQ_API_KEY or S2S_LLM_API_KEY)")
		}
		return NewOpenAICompleter(cfg.Endpoint, cfg.APIKey), nil
	case "ollama":
		return NewOllamaCompleter(cfg.Endpoint, nil), nil
	case "exec":
		return NewExecCompleter(cfg.Command, runner, logger)
	case "mock":
		return NewMockCompleter(cfg.MockReply), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func firstCandidate(texts []string) (string, error) {
	if len(texts) == 0 {
		return "", ErrNoCandidates
	}
	if strings.TrimSpace(texts[0]) == "" {
		return "", ErrEmptyCompletion
	}
	return texts[0], nil
}
