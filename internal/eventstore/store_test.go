package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store must not persist")
	}
	es.ObserveStage(ctx, pipeline.Event{RequestID: "r1", SessionID: "s1", Stage: pipeline.StageReceived})
	records, err := es.ListRequestEvents(ctx, "r1")
	if err != nil || len(records) != 0 {
		t.Fatalf("expected nothing stored, got %v, %v", records, err)
	}
}

func TestObserveAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, stage := range []pipeline.Stage{pipeline.StageReceived, pipeline.StageTranscoded, pipeline.StageFailed} {
		ev := pipeline.Event{
			RequestID: "req-1",
			SessionID: "caller-1",
			Path:      pipeline.PathSpeech,
			Stage:     stage,
			Duration:  1500 * time.Millisecond,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if stage == pipeline.StageFailed {
			ev.Kind = pipeline.KindRecognition
			ev.Error = "no speech recognized"
		}
		es.ObserveStage(ctx, ev)
	}

	records, err := es.ListRequestEvents(ctx, "req-1")
	if err != nil {
		t.Fatalf("list request events: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	last := records[2]
	if last.Stage != "failed" || last.Kind != "recognition" || last.Error != "no speech recognized" {
		t.Fatalf("unexpected failure record %+v", last)
	}
	if records[0].DurationMS != 1500 || records[0].Path != "speech" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if !records[0].CreatedAt.Equal(base) {
		t.Fatalf("unexpected timestamp %v", records[0].CreatedAt)
	}

	bySession, err := es.ListSessionEvents(ctx, "caller-1", 2)
	if err != nil {
		t.Fatalf("list session events: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(bySession))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Append(ctx, Record{RequestID: "r-old", SessionID: "old-session", Path: "chat", Stage: "received"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.Append(ctx, Record{RequestID: "r-new", SessionID: "new-session", Path: "chat", Stage: "received"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	events, err = es.ListSessionEvents(ctx, "new-session", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected new session kept, got %d (%v)", len(events), err)
	}
}

func TestSessionModeClearsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "session"}
	ctx := context.Background()

	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := es.Append(ctx, Record{RequestID: "r1", SessionID: "s1", Path: "speech", Stage: "done"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openStore(t, config.EventStoreConfig{Path: path, RetentionMode: "persistent"})
	records, err := reopened.ListRequestEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("session mode must not outlive the process, found %d records", len(records))
	}
}
