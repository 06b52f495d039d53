package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DocumentEventPublisher publishes workflow lifecycle events to NATS for the
// host document services, implementing service.DocumentStatusSink.
//
// Subject convention: <prefix>.<event>, e.g. approvals.workflow.started
// Events: started, completed, rejected
//
// Publishes are one-way and non-fatal: failures are logged but never
// propagated, so a broker outage cannot interrupt approval operations. The
// host mutates the document's own status field in response to these events;
// the engine never does.
type DocumentEventPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// DocumentEvent is the JSON schema published to NATS.
type DocumentEvent struct {
	Event        string    `json:"event"`
	DocumentType string    `json:"document_type"`
	DocumentID   int64     `json:"document_id"`
	WorkflowCode string    `json:"workflow_code"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewDocumentEventPublisher creates a publisher on an established NATS
// connection. A nil connection yields a no-op publisher.
func NewDocumentEventPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *DocumentEventPublisher {
	if prefix == "" {
		prefix = "approvals.workflow"
	}
	return &DocumentEventPublisher{conn: conn, prefix: prefix, log: log}
}

// OnWorkflowStarted publishes a started event.
func (p *DocumentEventPublisher) OnWorkflowStarted(ctx context.Context, documentType string, documentID int64, workflowCode string) {
	p.publish(ctx, "started", documentType, documentID, workflowCode)
}

// OnWorkflowCompleted publishes a completed event.
func (p *DocumentEventPublisher) OnWorkflowCompleted(ctx context.Context, documentType string, documentID int64, workflowCode string) {
	p.publish(ctx, "completed", documentType, documentID, workflowCode)
}

// OnWorkflowRejected publishes a rejected event.
func (p *DocumentEventPublisher) OnWorkflowRejected(ctx context.Context, documentType string, documentID int64, workflowCode string) {
	p.publish(ctx, "rejected", documentType, documentID, workflowCode)
}

func (p *DocumentEventPublisher) publish(_ context.Context, event, documentType string, documentID int64, workflowCode string) {
	if p.conn == nil {
		return
	}

	payload := DocumentEvent{
		Event:        event,
		DocumentType: documentType,
		DocumentID:   documentID,
		WorkflowCode: workflowCode,
		OccurredAt:   time.Now(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("document events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("workflow_code", workflowCode).
			Msg("document events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_code", workflowCode).
		Msg("document events: event published")
}
