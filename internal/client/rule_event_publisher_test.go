package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []message
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message{subject: subject, data: data})
	return nil
}

func sampleRule() *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:           "rule-1",
		TenantID:     "tenant-1",
		Name:         "Revisión Finanzas",
		DocumentType: repository.DocumentTypeInvoice,
		IsActive:     true,
	}
}

func TestPublishRuleEvent(t *testing.T) {
	conn := &fakeConn{}
	p := NewRuleEventPublisher(conn, zerolog.Nop())
	fixed := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	p.PublishRuleEvent(context.Background(), EventRuleCreated, sampleRule(), "user-9")

	require.Len(t, conn.messages, 1)
	assert.Equal(t, "approvals.rules.created", conn.messages[0].subject)

	var event RuleEvent
	require.NoError(t, json.Unmarshal(conn.messages[0].data, &event))
	assert.Equal(t, "tenant-1", event.TenantID)
	assert.Equal(t, "user-9", event.ActorID)
	assert.Equal(t, "rule-1", event.RuleID)
	assert.Equal(t, repository.DocumentTypeInvoice, event.DocumentType)
	assert.Equal(t, fixed, event.OccurredAt)
}

func TestPublishRuleEventNonFatal(t *testing.T) {
	conn := &fakeConn{err: errors.New("broker down")}
	p := NewRuleEventPublisher(conn, zerolog.Nop())

	assert.NotPanics(t, func() {
		p.PublishRuleEvent(context.Background(), EventRuleDeleted, sampleRule(), "user-9")
	})
}

func TestPublishRuleEventWithoutConnection(t *testing.T) {
	p := NewRuleEventPublisher(nil, zerolog.Nop())
	assert.NotPanics(t, func() {
		p.PublishRuleEvent(context.Background(), EventRuleModified, sampleRule(), "user-9")
	})

	var nilPublisher *RuleEventPublisher
	assert.NotPanics(t, func() {
		nilPublisher.PublishRuleEvent(context.Background(), EventRuleModified, sampleRule(), "user-9")
	})
}

func TestPublishRuleEventSkipsCancelledContext(t *testing.T) {
	conn := &fakeConn{}
	p := NewRuleEventPublisher(conn, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.PublishRuleEvent(ctx, EventRuleCreated, sampleRule(), "user-9")
	assert.Empty(t, conn.messages)
}
