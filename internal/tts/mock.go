package tts

import (
	"context"
	"fmt"
	"strings"
)

// mockFrame is a single silent MPEG-1 Layer III frame header followed by
// padding; enough for players and tests to treat the file as mp3.
var mockFrame = append([]byte{0xFF, 0xFB, 0x90, 0x64}, make([]byte, 413)...)

type mockSynth struct {
	mimeType string
}

func NewMockSynthesizer(mimeType string) Synthesizer {
	return &mockSynth{mimeType: mimeType}
}

func (m *mockSynth) Synthesize(ctx context.Context, text, outPath string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: nothing to synthesize", ErrSynthesis)
	}
	segments := len(SplitText(text, MaxSegmentLength))
	data := make([]byte, 0, segments*len(mockFrame))
	for i := 0; i < segments; i++ {
		data = append(data, mockFrame...)
	}
	return persist(outPath, data, m.mimeType)
}
