// Package router connects the pipeline to the message bus: it answers chat
// requests and mirrors stage events.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-s2s/internal/bus"
	"github.com/loqalabs/loqa-s2s/internal/pipeline"
	"github.com/loqalabs/loqa-s2s/internal/protocol"
)

// Chatter runs text turns.
type Chatter interface {
	Chat(ctx context.Context, sessionID, message string) (string, error)
}

// Service answers protocol.ChatRequest messages.
type Service struct {
	bus     *bus.Client
	chatter Chatter
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, busClient *bus.Client, chatter Chatter, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		chatter: chatter,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "router")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectChatRequest, "s2s-chat", s.handleChat)
	if err != nil {
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	s.sub = sub
	return nil
}

// Close cancels in-flight chats, stops the subscription and waits for the
// handlers it started. Requests delivered after Close are dropped.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode chat request", slogError(err))
		s.respond(msg, protocol.ChatReply{Error: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.respond(msg, protocol.ChatReply{Error: "Message is required"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("router closed, dropping chat request")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		reply, err := s.chatter.Chat(ctx, req.SessionID, req.Message)
		if err != nil {
			s.logger.Warn("chat request failed", slogError(err))
			if pipeline.KindOf(err) == pipeline.KindValidation {
				s.respond(msg, protocol.ChatReply{Error: "Message is required"})
				return
			}
			s.respond(msg, protocol.ChatReply{Error: "AI request failed"})
			return
		}
		s.respond(msg, protocol.ChatReply{Reply: reply})
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ChatReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode chat reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

// StagePublisher mirrors pipeline stage events on the bus.
type StagePublisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewStagePublisher(busClient *bus.Client, logger *slog.Logger) *StagePublisher {
	return &StagePublisher{bus: busClient, logger: logger.With(slog.String("component", "stage-publisher"))}
}

func (p *StagePublisher) ObserveStage(_ context.Context, event pipeline.Event) {
	msg := protocol.StageEvent{
		RequestID:  event.RequestID,
		SessionID:  event.SessionID,
		Path:       string(event.Path),
		Stage:      string(event.Stage),
		Kind:       string(event.Kind),
		Error:      event.Error,
		Degraded:   event.Degraded,
		DurationMS: event.Duration.Milliseconds(),
		Timestamp:  event.Timestamp,
	}
	if err := p.bus.PublishJSON(protocol.StageSubject(msg.Stage), msg); err != nil {
		p.logger.Warn("failed to publish stage event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
