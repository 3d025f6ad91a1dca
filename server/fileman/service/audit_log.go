package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"attach_server/server/common/infra/mq"
	commonlog "attach_server/server/common/log"
)

const AuditExchange = "fileman.audit"

const (
	ActionUpload   = "upload"
	ActionDownload = "download"
	ActionInfo     = "info"
	ActionDelete   = "delete"
	ActionAudit    = "audit"
)

const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeNotFound = "not_found"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// AuditEvent is the internal record of a decision. Unlike the client response it
// tells a missing blob apart from a refused one.
type AuditEvent struct {
	Action         string    `json:"action"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	FileID         string    `json:"fileId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	At             time.Time `json:"at"`
}

type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, e AuditEvent) {
	logger := commonlog.With(
		zap.String("audit_action", e.Action),
		zap.String("outcome", e.Outcome),
		zap.String("file_id", e.FileID),
		zap.String("conversation_id", e.ConversationID),
		zap.String("actor_id", e.ActorID),
	)
	if e.Outcome == OutcomeAllowed {
		logger.Info("audit", zap.String("reason", e.Reason))
		return
	}
	logger.Warn("audit", zap.String("reason", e.Reason))
}

// AMQPAuditSink publishes events to a topic exchange with routing key
// "<action>.<outcome>". Publish failures are logged and dropped.
type AMQPAuditSink struct {
	mu      sync.Mutex
	channel *amqp.Channel
	timeout time.Duration
}

func NewAMQPAuditSink(conn *amqp.Connection) (*AMQPAuditSink, error) {
	ch, err := mq.OpenTopicChannel(conn, AuditExchange)
	if err != nil {
		return nil, fmt.Errorf("open audit channel: %w", err)
	}
	return &AMQPAuditSink{channel: ch, timeout: 3 * time.Second}, nil
}

func (s *AMQPAuditSink) Record(ctx context.Context, e AuditEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		commonlog.Errorf("marshal audit event: %v", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(pubCtx, AuditExchange, e.Action+"."+e.Outcome, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   e.At,
	})
	if err != nil {
		commonlog.Warnf("publish audit event action=%s outcome=%s: %v", e.Action, e.Outcome, err)
	}
}

func (s *AMQPAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Close()
}

// MultiAuditSink fans an event out to every sink in order.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, e AuditEvent) {
	for _, sink := range m {
		sink.Record(ctx, e)
	}
}

// MemoryAuditSink keeps events in memory.
type MemoryAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (m *MemoryAuditSink) Record(_ context.Context, e AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *MemoryAuditSink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEvent(nil), m.events...)
}
