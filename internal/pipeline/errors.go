package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
	"github.com/loqalabs/loqa-s2s/internal/stt"
	"github.com/loqalabs/loqa-s2s/internal/tts"
)

// Kind classifies why a turn failed.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindTranscode    Kind = "transcode"
	KindRecognition  Kind = "recognition"
	KindConversation Kind = "conversation"
	KindSynthesis    Kind = "synthesis"
	KindInternal     Kind = "internal"
)

// ErrInvalidRequest marks malformed turn requests.
var ErrInvalidRequest = errors.New("invalid request")

// Error reports the stage a turn failed in and the cause.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors that are not *Error are
// classified from their wrapped sentinels; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, conversation.ErrEmptyMessage):
		return KindValidation
	case errors.Is(err, audio.ErrTranscode):
		return KindTranscode
	case errors.Is(err, stt.ErrRecognition):
		return KindRecognition
	case errors.Is(err, conversation.ErrConversation):
		return KindConversation
	case errors.Is(err, tts.ErrSynthesis):
		return KindSynthesis
	default:
		return KindInternal
	}
}

// wrap attaches stage information. Timeouts keep the kind of the stage
// that was running.
func wrap(stage Stage, fallback Kind, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := classify(err)
	if kind == KindInternal && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		kind = fallback
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}
