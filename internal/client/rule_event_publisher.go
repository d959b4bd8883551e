package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// Rule event types published after a confirmed change.
const (
	EventRuleCreated  = "created"
	EventRuleModified = "modified"
	EventRuleDeleted  = "deleted"
)

// Publisher is the subset of *nats.Conn used by RuleEventPublisher.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// RuleEventPublisher publishes rule lifecycle events to NATS so downstream
// routing caches can refresh.
//
// Subject convention: approvals.rules.<event_type>
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so a broker outage never blocks a confirmed rule change.
type RuleEventPublisher struct {
	conn Publisher
	log  zerolog.Logger
	now  func() time.Time
}

// RuleEvent is the JSON schema published to NATS.
type RuleEvent struct {
	EventType    string                  `json:"event_type"`
	TenantID     string                  `json:"tenant_id"`
	ActorID      string                  `json:"actor_id"`
	RuleID       string                  `json:"rule_id"`
	RuleName     string                  `json:"rule_name"`
	DocumentType repository.DocumentType `json:"document_type"`
	IsActive     bool                    `json:"is_active"`
	OccurredAt   time.Time               `json:"occurred_at"`
}

// NewRuleEventPublisher creates a publisher backed by the given connection.
// A nil connection yields a publisher that drops every event.
func NewRuleEventPublisher(conn Publisher, log zerolog.Logger) *RuleEventPublisher {
	return &RuleEventPublisher{conn: conn, log: log, now: time.Now}
}

// Connect dials NATS with reconnect handling suitable for a long-lived service.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// PublishRuleEvent publishes a rule lifecycle event.
func (p *RuleEventPublisher) PublishRuleEvent(ctx context.Context, eventType string, rule *repository.ApprovalRule, actorID string) {
	if p == nil || p.conn == nil || rule == nil {
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}

	event := &RuleEvent{
		EventType:    eventType,
		TenantID:     rule.TenantID,
		ActorID:      actorID,
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		DocumentType: rule.DocumentType,
		IsActive:     rule.IsActive,
		OccurredAt:   p.now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("rule event: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.rules.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("rule_id", rule.ID).
			Msg("rule event: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("rule_id", rule.ID).
		Msg("rule event: published")
}
