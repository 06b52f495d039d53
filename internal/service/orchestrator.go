package service

import (
	"context"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// WorkflowOrchestrator creates workflow instances from resolved approval
// paths and guards against duplicate concurrent workflows per document.
type WorkflowOrchestrator struct {
	resolver *ApprovalPathResolver
	rules    RuleProvider
	store    InstanceStore
	sink     DocumentStatusSink
	log      *logger.Logger
	now      func() time.Time
}

// NewWorkflowOrchestrator creates a new WorkflowOrchestrator.
func NewWorkflowOrchestrator(
	resolver *ApprovalPathResolver,
	rules RuleProvider,
	store InstanceStore,
	sink DocumentStatusSink,
	log *logger.Logger,
) *WorkflowOrchestrator {
	return &WorkflowOrchestrator{
		resolver: resolver,
		rules:    rules,
		store:    store,
		sink:     sink,
		log:      log,
		now:      time.Now,
	}
}

// StartOptions carries the caller-supplied context for a new workflow.
type StartOptions struct {
	SiteID     *string
	Attributes repository.RuleAttributes
	Notes      *string
	Metadata   map[string]interface{}
}

// Start resolves the approval path for a document and materializes a pending
// workflow instance on it. Exactly one non-terminal instance may exist per
// document; concurrent starts are serialized by the store and the loser
// receives ErrCodeDuplicateWorkflow.
func (o *WorkflowOrchestrator) Start(
	ctx context.Context,
	documentType string,
	documentID int64,
	amount int64,
	opts StartOptions,
) (*repository.WorkflowInstance, error) {
	if documentType == "" {
		return nil, errors.InvalidInput("document_type", "document type is required")
	}
	if amount < 0 {
		return nil, errors.InvalidInput("amount", "amount must not be negative")
	}

	// Fast-path duplicate check for a friendly error. The store's Create
	// repeats this under the document lock, which is what makes it race-free.
	existing, err := o.store.GetActiveByDocument(ctx, documentType, documentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrCodeDuplicateWorkflow,
			"workflow %s is already active for %s/%d", existing.Code, documentType, documentID)
	}

	path, err := o.resolver.Resolve(ctx, documentType, amount, opts.SiteID, opts.Attributes)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApprovalPath,
			"no approval path found for %s amount %d", documentType, amount)
	}

	firstRule, err := o.rules.GetRule(ctx, path[0])
	if err != nil {
		return nil, err
	}

	now := o.now()
	seq, err := o.store.NextCodeSequence(ctx, documentType, codePeriod(now))
	if err != nil {
		return nil, err
	}

	inst := &repository.WorkflowInstance{
		Code:         workflowCode(documentType, now, seq),
		Status:       repository.StatusPending,
		DocumentType: documentType,
		DocumentID:   documentID,
		Amount:       amount,
		PathRuleIDs:  path,
		TotalSteps:   len(path),
		StartedAt:    now,
		Notes:        opts.Notes,
		Metadata:     opts.Metadata,
	}
	enterStep(inst, firstRule, now)

	if err := o.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	o.sink.OnWorkflowStarted(ctx, documentType, documentID, inst.Code)

	o.log.Info().
		Str("workflow_code", inst.Code).
		Str("document_type", documentType).
		Int64("document_id", documentID).
		Int("total_steps", inst.TotalSteps).
		Time("due_at", inst.DueAt).
		Msg("Workflow started")

	return inst, nil
}

// Preview shows the path a document would take without committing anything.
func (o *WorkflowOrchestrator) Preview(
	ctx context.Context,
	documentType string,
	amount int64,
	opts StartOptions,
) ([]StepPreview, error) {
	return o.resolver.Preview(ctx, documentType, amount, opts.SiteID, opts.Attributes)
}

// Cancel terminates a pending workflow at the caller's request, recording the
// reason in the ledger. The document reverts to its pre-submission state on
// the host side.
func (o *WorkflowOrchestrator) Cancel(ctx context.Context, instanceID, actorID, reason string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "cancellation reason is required")
	}

	var code string
	err := o.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if inst.Status != repository.StatusPending {
			return nil, errors.Newf(errors.ErrCodeWorkflowNotPending,
				"workflow %s is not pending (status: %s)", inst.Code, inst.Status)
		}

		now := o.now()
		inst.Status = repository.StatusCancelled
		inst.CompletedAt = &now
		code = inst.Code

		comments := reason
		return &repository.WorkflowAction{
			InstanceID:      inst.ID,
			RuleID:          inst.CurrentRuleID,
			ActorID:         actorID,
			ActionType:      repository.ActionComment,
			StepName:        "Workflow cancelled",
			StepSequence:    inst.CurrentStepSequence(),
			Comments:        &comments,
			IsOverdueAction: now.After(inst.DueAt),
			ActionTakenAt:   now,
		}, nil
	})
	if err != nil {
		return err
	}

	o.log.Info().
		Str("workflow_code", code).
		Str("actor_id", actorID).
		Msg("Workflow cancelled")
	return nil
}
