package pipeline

import (
	"context"
	"time"
)

// Stage is a step of a speech turn.
type Stage string

const (
	StageReceived    Stage = "received"
	StageTranscoded  Stage = "transcoded"
	StageTranscribed Stage = "transcribed"
	StageReplied     Stage = "replied"
	StageSynthesized Stage = "synthesized"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Path names the entry point a turn came through.
type Path string

const (
	PathSpeech Path = "speech"
	PathChat   Path = "chat"
)

// Event is emitted whenever a turn reaches a stage. It carries metadata
// only; transcripts and replies are never included.
type Event struct {
	RequestID string        `json:"request_id"`
	SessionID string        `json:"session_id"`
	Path      Path          `json:"path"`
	Stage     Stage         `json:"stage"`
	Kind      Kind          `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Observer receives stage events. Implementations must not block for
// long; they run inline with the turn.
type Observer interface {
	ObserveStage(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) ObserveStage(ctx context.Context, event Event) { f(ctx, event) }
