package service

import (
	"context"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// RuleProvider supplies the approval rule catalog. Owned by the organization
// service; the engine only reads it.
type RuleProvider interface {
	// FindApplicableRules returns active rules matching the document as of
	// the given time, ordered ascending by floor limit.
	FindApplicableRules(ctx context.Context, documentType string, amount int64, siteID *string, attrs repository.RuleAttributes, asOf time.Time) ([]*repository.ApprovalRule, error)
	// GetRule loads a single rule; needed for step advancement and
	// escalation-target resolution.
	GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error)
}

// InstanceStore persists workflow instances and their action ledger.
type InstanceStore interface {
	// Create inserts a new instance, serialized per document so that two
	// concurrent starts for the same document cannot both succeed.
	Create(ctx context.Context, inst *repository.WorkflowInstance) error
	// NextCodeSequence allocates the next code sequence for a document type
	// within a yyyymm period.
	NextCodeSequence(ctx context.Context, documentType, period string) (int64, error)
	GetByID(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	GetByCode(ctx context.Context, code string) (*repository.WorkflowInstance, error)
	// GetActiveByDocument returns the non-terminal instance for a document,
	// or nil when none exists.
	GetActiveByDocument(ctx context.Context, documentType string, documentID int64) (*repository.WorkflowInstance, error)
	FindOverdue(ctx context.Context, asOf time.Time, limit int) ([]*repository.WorkflowInstance, error)
	// FindPending lists pending instances, soonest deadline first; an empty
	// documentType matches all types.
	FindPending(ctx context.Context, documentType string, limit int) ([]*repository.WorkflowInstance, error)
	// RecordAction runs decide as an atomic critical section per instance:
	// the duplicate-vote check, the ledger append and the counter update
	// commit together or not at all.
	RecordAction(ctx context.Context, instanceID string, decide repository.DecideFunc) error
	// ListActions returns the ledger for an instance, newest first.
	ListActions(ctx context.Context, instanceID string) ([]*repository.WorkflowAction, error)
}

// DocumentStatusSink receives one-way workflow lifecycle notifications. The
// document's own status field is mutated by the host, never by the engine.
type DocumentStatusSink interface {
	OnWorkflowStarted(ctx context.Context, documentType string, documentID int64, workflowCode string)
	OnWorkflowCompleted(ctx context.Context, documentType string, documentID int64, workflowCode string)
	OnWorkflowRejected(ctx context.Context, documentType string, documentID int64, workflowCode string)
}

// StepContext describes the step an actor wants to vote on.
type StepContext struct {
	DocumentType string
	DocumentID   int64
	StepSequence int
	Amount       int64
}

// ActorAuthorizer resolves whether an identity may vote on a step governed by
// a rule. Consulted only when the rule carries no explicit eligible set; the
// implementation may reach into the organizational hierarchy.
type ActorAuthorizer interface {
	IsEligible(ctx context.Context, actorID string, rule *repository.ApprovalRule, step StepContext) (bool, error)
}
