package stt

import (
	"context"
	"fmt"
	"os"
)

type mockRecognizer struct {
	text string
}

func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Recognize(_ context.Context, waveformPath string) (string, error) {
	if _, err := os.Stat(waveformPath); err != nil {
		return "", fmt.Errorf("%w: waveform unreadable: %w", ErrRecognition, err)
	}
	text := Clean(m.text)
	if text == "" {
		return "", fmt.Errorf("%w: transcript is empty after cleaning", ErrRecognition)
	}
	return text, nil
}
