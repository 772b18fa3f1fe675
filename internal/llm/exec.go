package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-s2s/internal/procexec"
)

type execCompleter struct {
	cmd    []string
	runner *procexec.Runner
	logger *slog.Logger
}

type execRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
}

// NewExecCompleter runs command once per completion. The message list is
// written to stdin as JSON and a {"content": "..."} object is read back.
func NewExecCompleter(command string, runner *procexec.Runner, logger *slog.Logger) (Completer, error) {
	args, err := procexec.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	return &execCompleter{cmd: args, runner: runner, logger: logger.With(slog.String("component", "llm-exec"))}, nil
}

func (c *execCompleter) Complete(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(execRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}

	res, err := c.runner.Run(ctx, c.cmd, bytes.NewReader(input))
	if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
		c.logger.Debug("llm command diagnostics", slog.String("stderr", stderr))
	}
	if err != nil {
		return "", fmt.Errorf("llm exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(res.Stdout, &resp); err != nil {
		return "", fmt.Errorf("decode llm exec response: %w", err)
	}
	return firstCandidate([]string{resp.Content})
}
