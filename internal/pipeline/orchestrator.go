// Package pipeline sequences a speech turn: transcode the upload, recognize
// it, converse, and synthesize the reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-s2s/internal/audio"
	"github.com/loqalabs/loqa-s2s/internal/config"
	"github.com/loqalabs/loqa-s2s/internal/conversation"
	"github.com/loqalabs/loqa-s2s/internal/stt"
	"github.com/loqalabs/loqa-s2s/internal/tts"
)

const instrumentationName = "github.com/loqalabs/loqa-s2s/pipeline"

// Options tune timeouts, artifact naming and the failure policy.
type Options struct {
	TranscodeTimeout  time.Duration
	RecognizeTimeout  time.Duration
	ConverseTimeout   time.Duration
	SynthesizeTimeout time.Duration

	// DegradeOnSynthesisFailure returns transcript and reply without audio
	// when synthesis fails instead of failing the whole turn.
	DegradeOnSynthesisFailure bool

	UniqueArtifacts bool
	WaveformDir     string
	WaveformFile    string
	SpeechDir       string
	SpeechFile      string

	FallbackReply string
}

// OptionsFromConfig derives Options from the runtime configuration.
func OptionsFromConfig(cfg config.Config) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		TranscodeTimeout:          ms(cfg.Pipeline.TranscodeTimeoutMS),
		RecognizeTimeout:          ms(cfg.Pipeline.RecognizeTimeoutMS),
		ConverseTimeout:           ms(cfg.Pipeline.ConverseTimeoutMS),
		SynthesizeTimeout:         ms(cfg.Pipeline.SynthesizeTimeoutMS),
		DegradeOnSynthesisFailure: cfg.Pipeline.DegradeOnSynthesisFailure,
		UniqueArtifacts:           cfg.Pipeline.UniqueArtifacts,
		WaveformDir:               cfg.Transcode.WaveformDir,
		WaveformFile:              cfg.Transcode.WaveformFile,
		SpeechDir:                 cfg.TTS.OutputDir,
		SpeechFile:                cfg.TTS.FileName,
		FallbackReply:             cfg.LLM.FallbackReply,
	}
}

// Deps are the collaborators a turn runs through.
type Deps struct {
	Transcoder  audio.Transcoder
	Recognizer  stt.Recognizer
	Engine      *conversation.Engine
	Store       *conversation.Store
	Synthesizer tts.Synthesizer
	Observers   []Observer
}

// TurnRequest is one uploaded utterance.
type TurnRequest struct {
	RequestID string
	SessionID string
	Input     audio.Artifact
}

// TurnResult is returned for a completed turn. Audio is nil only when the
// turn degraded after a synthesis failure.
type TurnResult struct {
	RequestID     string
	SessionID     string
	Uploaded      string
	Transcription string
	Reply         string
	Audio         *tts.Result
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	tracer        trace.Tracer
	stageDuration metric.Float64Histogram
	turns         metric.Int64Counter
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Transcoder == nil || deps.Recognizer == nil || deps.Engine == nil || deps.Store == nil || deps.Synthesizer == nil {
		return nil, errors.New("pipeline: all collaborators are required")
	}
	meter := otel.Meter(instrumentationName)
	stageDuration, err := meter.Float64Histogram("s2s.stage.duration",
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	turns, err := meter.Int64Counter("s2s.turns", metric.WithDescription("Completed and failed turns"))
	if err != nil {
		return nil, fmt.Errorf("create turn counter: %w", err)
	}
	return &Orchestrator{
		deps:          deps,
		opts:          opts,
		logger:        logger.With(slog.String("component", "pipeline")),
		tracer:        otel.Tracer(instrumentationName),
		stageDuration: stageDuration,
		turns:         turns,
	}, nil
}

// AddObserver registers o for subsequent turns. It is not safe to call
// while turns are running.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.deps.Observers = append(o.deps.Observers, obs)
}

// Run executes one speech turn. Stages run strictly in order and the first
// failure aborts the rest.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (TurnResult, error) {
	turn := o.begin(ctx, PathSpeech, req.RequestID, req.SessionID)
	defer turn.span.End()

	result := TurnResult{RequestID: turn.requestID, SessionID: turn.sessionID, Uploaded: req.Input.Path}
	if strings.TrimSpace(req.Input.Path) == "" {
		return result, turn.fail(&Error{Kind: KindValidation, Stage: StageReceived, Err: fmt.Errorf("%w: input audio path is empty", ErrInvalidRequest)})
	}
	turn.reached(StageReceived, 0)

	waveform := o.artifactPath(o.opts.WaveformDir, o.opts.WaveformFile, turn.requestID, ".wav")
	if err := turn.stage(StageTranscoded, KindTranscode, o.opts.TranscodeTimeout, func(ctx context.Context) error {
		return o.deps.Transcoder.Transcode(ctx, req.Input.Path, waveform)
	}); err != nil {
		return result, turn.fail(err)
	}

	if err := turn.stage(StageTranscribed, KindRecognition, o.opts.RecognizeTimeout, func(ctx context.Context) error {
		text, err := o.deps.Recognizer.Recognize(ctx, waveform)
		result.Transcription = text
		return err
	}); err != nil {
		return result, turn.fail(err)
	}

	state := o.deps.Store.Get(turn.sessionID)
	if err := turn.stage(StageReplied, KindConversation, o.opts.ConverseTimeout, func(ctx context.Context) error {
		reply, err := o.deps.Engine.Converse(ctx, state, result.Transcription)
		result.Reply = reply
		return err
	}); err != nil {
		return result, turn.fail(err)
	}

	speech := o.artifactPath(o.opts.SpeechDir, o.opts.SpeechFile, turn.requestID, ".mp3")
	err := turn.stage(StageSynthesized, KindSynthesis, o.opts.SynthesizeTimeout, func(ctx context.Context) error {
		synth, err := o.deps.Synthesizer.Synthesize(ctx, result.Reply, speech)
		if err == nil {
			result.Audio = &synth
		}
		return err
	})
	if err != nil {
		if !o.opts.DegradeOnSynthesisFailure {
			return result, turn.fail(err)
		}
		o.logger.Warn("synthesis failed, returning text only",
			slog.String("request_id", turn.requestID),
			slog.String("error", err.Error()))
		turn.done(err)
		return result, nil
	}

	turn.done(nil)
	return result, nil
}

// Chat runs a text-only turn. Provider failures are answered with the
// configured fallback reply; only invalid input returns an error.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string) (string, error) {
	turn := o.begin(ctx, PathChat, "", sessionID)
	defer turn.span.End()

	if strings.TrimSpace(message) == "" {
		return "", turn.fail(&Error{Kind: KindValidation, Stage: StageReceived, Err: conversation.ErrEmptyMessage})
	}
	turn.reached(StageReceived, 0)

	state := o.deps.Store.Get(turn.sessionID)
	var reply string
	err := turn.stage(StageReplied, KindConversation, o.opts.ConverseTimeout, func(ctx context.Context) error {
		var err error
		reply, err = o.deps.Engine.Converse(ctx, state, message)
		return err
	})
	if err != nil {
		failure := turn.fail(err)
		if err.Kind != KindConversation {
			return "", failure
		}
		o.logger.Info("using fallback reply", slog.String("request_id", turn.requestID))
		return o.opts.FallbackReply, nil
	}
	turn.done(nil)
	return reply, nil
}

func (o *Orchestrator) artifactPath(dir, fixed, requestID, ext string) string {
	if o.opts.UniqueArtifacts || fixed == "" {
		return filepath.Join(dir, requestID+ext)
	}
	if filepath.IsAbs(fixed) {
		return fixed
	}
	return filepath.Join(dir, fixed)
}

type turnRun struct {
	o         *Orchestrator
	ctx       context.Context
	span      trace.Span
	path      Path
	requestID string
	sessionID string
	start     time.Time
}

func (o *Orchestrator) begin(ctx context.Context, path Path, requestID, sessionID string) *turnRun {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sessionID = conversation.NormalizeSessionID(sessionID)
	ctx, span := o.tracer.Start(ctx, "s2s.turn", trace.WithAttributes(
		attribute.String("s2s.path", string(path)),
		attribute.String("s2s.request_id", requestID),
		attribute.String("s2s.session_id", sessionID),
	))
	return &turnRun{o: o, ctx: ctx, span: span, path: path, requestID: requestID, sessionID: sessionID, start: time.Now()}
}

// stage runs fn under its own span and deadline and classifies a failure.
func (t *turnRun) stage(stage Stage, kind Kind, timeout time.Duration, fn func(context.Context) error) *Error {
	ctx, span := t.o.tracer.Start(t.ctx, "s2s.stage."+string(stage))
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.o.stageDuration.Record(t.ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("path", string(t.path)),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		return wrap(stage, kind, err)
	}
	t.reached(stage, elapsed)
	return nil
}

func (t *turnRun) reached(stage Stage, elapsed time.Duration) {
	t.emit(Event{Stage: stage, Duration: elapsed})
}

func (t *turnRun) fail(err *Error) error {
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, string(err.Kind))
	t.count("failed")
	t.o.logger.Warn("turn failed",
		slog.String("request_id", t.requestID),
		slog.String("session_id", t.sessionID),
		slog.String("path", string(t.path)),
		slog.String("stage", string(err.Stage)),
		slog.String("kind", string(err.Kind)),
		slog.String("error", err.Error()))
	t.emit(Event{Stage: StageFailed, Kind: err.Kind, Error: err.Error(), Duration: time.Since(t.start)})
	return err
}

// done records a finished turn. A non-nil degradedBy means the turn
// completed without audio.
func (t *turnRun) done(degradedBy *Error) {
	degraded := degradedBy != nil
	outcome := "ok"
	event := Event{Stage: StageDone, Degraded: degraded}
	if degraded {
		outcome = "degraded"
		event.Kind = degradedBy.Kind
		event.Error = degradedBy.Error()
	}
	t.count(outcome)
	t.o.logger.Info("turn complete",
		slog.String("request_id", t.requestID),
		slog.String("session_id", t.sessionID),
		slog.String("path", string(t.path)),
		slog.Bool("degraded", degraded),
		slog.Duration("elapsed", time.Since(t.start)))
	event.Duration = time.Since(t.start)
	t.emit(event)
}

func (t *turnRun) count(outcome string) {
	t.o.turns.Add(t.ctx, 1, metric.WithAttributes(
		attribute.String("path", string(t.path)),
		attribute.String("outcome", outcome),
	))
}

func (t *turnRun) emit(event Event) {
	event.RequestID = t.requestID
	event.SessionID = t.sessionID
	event.Path = t.path
	event.Timestamp = time.Now().UTC()
	for _, obs := range t.o.deps.Observers {
		obs.ObserveStage(t.ctx, event)
	}
}
