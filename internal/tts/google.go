package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-s2s/internal/config"
)

// MaxSegmentLength is the longest text the translate_tts endpoint accepts
// in one request.
const MaxSegmentLength = 200

type googleSynthesizer struct {
	cfg    config.TTSConfig
	client *http.Client
	logger *slog.Logger
}

// NewGoogleSynthesizer fetches speech from the Google Translate TTS
// endpoint. A nil client means http.DefaultClient.
func NewGoogleSynthesizer(cfg config.TTSConfig, client *http.Client, logger *slog.Logger) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &googleSynthesizer{cfg: cfg, client: client, logger: logger.With(slog.String("component", "tts"))}
}

// AudioURL builds the translate_tts URL for one segment.
func AudioURL(host, lang string, slow bool, text string) string {
	speed := "1"
	if slow {
		speed = "0.24"
	}
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", text)
	q.Set("tl", lang)
	q.Set("total", "1")
	q.Set("idx", "0")
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(text)))
	q.Set("client", "tw-ob")
	q.Set("prev", "input")
	q.Set("ttsspeed", speed)
	return strings.TrimRight(host, "/") + "/translate_tts?" + q.Encode()
}

func (g *googleSynthesizer) Synthesize(ctx context.Context, text, outPath string) (Result, error) {
	segments := SplitText(text, MaxSegmentLength)
	if len(segments) == 0 {
		return Result{}, fmt.Errorf("%w: nothing to synthesize", ErrSynthesis)
	}

	var buf bytes.Buffer
	for i, segment := range segments {
		data, err := g.fetch(ctx, AudioURL(g.cfg.Host, g.cfg.Language, g.cfg.Slow, segment))
		if err != nil {
			return Result{}, fmt.Errorf("%w: segment %d/%d: %w", ErrSynthesis, i+1, len(segments), err)
		}
		buf.Write(data)
	}

	res, err := persist(outPath, buf.Bytes(), g.cfg.MIMEType)
	if err != nil {
		return Result{}, err
	}
	g.logger.Info("saved speech", slog.String("path", outPath), slog.Int("segments", len(segments)), slog.Int("bytes", buf.Len()))
	return res, nil
}

func (g *googleSynthesizer) fetch(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %s", resp.Status)
	}
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mediaType, "text/") {
		return nil, fmt.Errorf("provider returned %s instead of audio", mediaType)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("provider returned an empty payload")
	}
	return data, nil
}

// SplitText breaks text into segments of at most maxLen runes, preferring
// to cut after punctuation and then at whitespace. Segments are trimmed and
// empty ones dropped.
func SplitText(text string, maxLen int) []string {
	runes := []rune(strings.TrimSpace(text))
	var out []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			out = appendSegment(out, runes)
			break
		}
		cut := splitPoint(runes[:maxLen+1])
		out = appendSegment(out, runes[:cut])
		runes = runes[cut:]
	}
	return out
}

// splitPoint returns the index to cut window at; window holds one rune more
// than a segment may contain so a boundary right after the limit counts.
func splitPoint(window []rune) int {
	limit := len(window) - 1
	for i := limit; i > 0; i-- {
		if isSentencePunct(window[i-1]) {
			return i
		}
	}
	for i := limit; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return limit
}

func isSentencePunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':', '。', '，', '！', '？':
		return true
	}
	return false
}

func appendSegment(out []string, runes []rune) []string {
	if s := strings.TrimSpace(string(runes)); s != "" {
		out = append(out, s)
	}
	return out
}
