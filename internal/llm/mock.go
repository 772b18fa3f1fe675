package llm

import (
	"context"
	"time"
)

type mockCompleter struct {
	reply string
}

func NewMockCompleter(reply string) Completer { return &mockCompleter{reply: reply} }

func (m *mockCompleter) Complete(ctx context.Context, _ Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return firstCandidate([]string{m.reply})
}
