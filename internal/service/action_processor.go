package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// systemActorID identifies actions taken by the engine itself (escalations,
// auto-rejects).
const systemActorID = "system"

// Outcome of a recorded approval action.
type Outcome string

const (
	// OutcomeContinued means the workflow is still pending: either the
	// current step needs more votes or the workflow advanced to a next step.
	OutcomeContinued Outcome = "continued"
	// OutcomeCompleted means the final step was satisfied.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRejected means the workflow was terminally rejected.
	OutcomeRejected Outcome = "rejected"
)

// ActionOptions carries optional per-action inputs.
type ActionOptions struct {
	Comments string
}

// ActionProcessor records approve/reject/delegate actions against the current
// step of a workflow instance and drives step advancement and termination.
// All state transitions run inside the store's per-instance critical section.
type ActionProcessor struct {
	rules      RuleProvider
	store      InstanceStore
	sink       DocumentStatusSink
	authorizer ActorAuthorizer
	log        *logger.Logger
	now        func() time.Time
}

// NewActionProcessor creates a new ActionProcessor.
func NewActionProcessor(
	rules RuleProvider,
	store InstanceStore,
	sink DocumentStatusSink,
	authorizer ActorAuthorizer,
	log *logger.Logger,
) *ActionProcessor {
	return &ActionProcessor{
		rules:      rules,
		store:      store,
		sink:       sink,
		authorizer: authorizer,
		log:        log,
		now:        time.Now,
	}
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records an approval vote on the instance's current step. Returns
// OutcomeContinued while the workflow stays pending and OutcomeCompleted when
// the final step is satisfied.
func (p *ActionProcessor) Approve(ctx context.Context, instanceID, actorID string, opts ActionOptions) (Outcome, error) {
	if actorID == "" {
		return "", errors.InvalidInput("actor_id", "acting identity is required")
	}

	delegations, err := p.stepDelegations(ctx, instanceID)
	if err != nil {
		return "", err
	}

	outcome := OutcomeContinued
	var completed *repository.WorkflowInstance

	err = p.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if inst.Status != repository.StatusPending {
			return nil, errors.Newf(errors.ErrCodeWorkflowNotPending,
				"workflow %s is not pending (status: %s)", inst.Code, inst.Status)
		}

		rule, err := p.rules.GetRule(ctx, inst.CurrentRuleID)
		if err != nil {
			return nil, err
		}

		onBehalfOf, err := p.authorize(ctx, inst, rule, actorID, delegations[inst.CurrentStepSequence()])
		if err != nil {
			return nil, err
		}

		now := p.now()
		action := p.buildAction(inst, rule, actorID, repository.ActionApprove, now)
		action.OnBehalfOf = onBehalfOf
		if opts.Comments != "" {
			comments := opts.Comments
			action.Comments = &comments
		}

		inst.ApprovalsReceived++

		if inst.ApprovalsReceived < inst.ApprovalsRequired {
			return action, nil
		}

		// Step satisfied.
		inst.StepsCompleted++
		if inst.StepsCompleted < inst.TotalSteps {
			next, err := p.rules.GetRule(ctx, inst.PathRuleIDs[inst.StepsCompleted])
			if err != nil {
				return nil, err
			}
			enterStep(inst, next, now)
			return action, nil
		}

		inst.Status = repository.StatusCompleted
		inst.CompletedAt = &now
		outcome = OutcomeCompleted
		completed = inst
		return action, nil
	})
	if err != nil {
		return "", err
	}

	if outcome == OutcomeCompleted && completed != nil {
		p.sink.OnWorkflowCompleted(ctx, completed.DocumentType, completed.DocumentID, completed.Code)
		p.log.Info().
			Str("workflow_code", completed.Code).
			Str("actor_id", actorID).
			Msg("Workflow completed")
	}
	return outcome, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject records a rejection. Any single authorized rejection terminates the
// workflow regardless of the current rule's approval type; comments are
// mandatory.
func (p *ActionProcessor) Reject(ctx context.Context, instanceID, actorID string, opts ActionOptions) (Outcome, error) {
	if actorID == "" {
		return "", errors.InvalidInput("actor_id", "acting identity is required")
	}
	if opts.Comments == "" {
		return "", errors.New(errors.ErrCodeMissingReason, "a rejection reason is required")
	}

	delegations, err := p.stepDelegations(ctx, instanceID)
	if err != nil {
		return "", err
	}

	var rejected *repository.WorkflowInstance

	err = p.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if inst.Status != repository.StatusPending {
			return nil, errors.Newf(errors.ErrCodeWorkflowNotPending,
				"workflow %s is not pending (status: %s)", inst.Code, inst.Status)
		}

		rule, err := p.rules.GetRule(ctx, inst.CurrentRuleID)
		if err != nil {
			return nil, err
		}

		onBehalfOf, err := p.authorize(ctx, inst, rule, actorID, delegations[inst.CurrentStepSequence()])
		if err != nil {
			return nil, err
		}

		now := p.now()
		action := p.buildAction(inst, rule, actorID, repository.ActionReject, now)
		action.OnBehalfOf = onBehalfOf
		comments := opts.Comments
		action.Comments = &comments

		inst.RejectionsReceived++
		inst.Status = repository.StatusRejected
		inst.CompletedAt = &now
		rejected = inst
		return action, nil
	})
	if err != nil {
		return "", err
	}

	p.sink.OnWorkflowRejected(ctx, rejected.DocumentType, rejected.DocumentID, rejected.Code)
	p.log.Info().
		Str("workflow_code", rejected.Code).
		Str("actor_id", actorID).
		Msg("Workflow rejected")
	return OutcomeRejected, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

// Delegate lets an eligible approver hand the current step to another
// identity. The delegate may then vote on this step only; the vote is
// recorded on behalf of the delegator.
func (p *ActionProcessor) Delegate(ctx context.Context, instanceID, actorID, delegateTo, reason string) error {
	if delegateTo == "" {
		return errors.InvalidInput("delegate_to", "a delegate identity is required")
	}
	if reason == "" {
		return errors.InvalidInput("reason", "a delegation reason is required")
	}
	if delegateTo == actorID {
		return errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	delegations, err := p.stepDelegations(ctx, instanceID)
	if err != nil {
		return err
	}

	return p.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if inst.Status != repository.StatusPending {
			return nil, errors.Newf(errors.ErrCodeWorkflowNotPending,
				"workflow %s is not pending (status: %s)", inst.Code, inst.Status)
		}

		rule, err := p.rules.GetRule(ctx, inst.CurrentRuleID)
		if err != nil {
			return nil, err
		}
		if _, err := p.authorize(ctx, inst, rule, actorID, delegations[inst.CurrentStepSequence()]); err != nil {
			return nil, err
		}

		now := p.now()
		action := p.buildAction(inst, rule, actorID, repository.ActionDelegate, now)
		// On a delegate action, OnBehalfOf holds the delegate's identity.
		action.OnBehalfOf = &delegateTo
		comments := reason
		action.Comments = &comments
		return action, nil
	})
}

// ── Comment ───────────────────────────────────────────────────────────────────

// Comment appends a free-form remark to the ledger without changing workflow
// state.
func (p *ActionProcessor) Comment(ctx context.Context, instanceID, actorID, text string) error {
	if text == "" {
		return errors.InvalidInput("comments", "comment text is required")
	}

	return p.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if repository.IsTerminalStatus(inst.Status) {
			return nil, errors.Newf(errors.ErrCodeWorkflowNotPending,
				"workflow %s is not pending (status: %s)", inst.Code, inst.Status)
		}

		now := p.now()
		action := &repository.WorkflowAction{
			InstanceID:      inst.ID,
			RuleID:          inst.CurrentRuleID,
			ActorID:         actorID,
			ActionType:      repository.ActionComment,
			StepName:        fmt.Sprintf("Step %d", inst.CurrentStepSequence()),
			StepSequence:    inst.CurrentStepSequence(),
			Comments:        &text,
			IsOverdueAction: now.After(inst.DueAt),
			ActionTakenAt:   now,
		}
		return action, nil
	})
}

// ── Overdue handling ──────────────────────────────────────────────────────────

// HandleOverdue applies the overdue policy of the current rule to an instance
// whose deadline has passed. Returns true when an automated remedy
// (escalation or auto-reject) was applied. Idempotent: the IsOverdue flag
// guards against double-escalation, so the periodic sweep may safely revisit
// the same instance.
func (p *ActionProcessor) HandleOverdue(ctx context.Context, instanceID string) (bool, error) {
	handled := false
	var escalationFailed error
	var autoRejected *repository.WorkflowInstance

	err := p.store.RecordAction(ctx, instanceID, func(inst *repository.WorkflowInstance) (*repository.WorkflowAction, error) {
		if inst.Status != repository.StatusPending {
			return nil, nil
		}

		now := p.now()
		if !now.After(inst.DueAt) || inst.IsOverdue {
			return nil, nil
		}
		inst.IsOverdue = true

		rule, err := p.rules.GetRule(ctx, inst.CurrentRuleID)
		if err != nil {
			return nil, err
		}

		switch {
		case rule.EscalationRuleID != nil:
			target, err := p.rules.GetRule(ctx, *rule.EscalationRuleID)
			if err != nil {
				// A configured but missing escalation target would leave the
				// workflow silently stuck; surface it as a failed workflow
				// needing operator intervention.
				reason := fmt.Sprintf("escalation target %s not found", *rule.EscalationRuleID)
				inst.Status = repository.StatusFailed
				inst.CompletedAt = &now
				inst.EscalationReason = &reason
				escalationFailed = errors.Newf(errors.ErrCodeEscalationTarget,
					"workflow %s: %s", inst.Code, reason)

				action := p.buildAction(inst, rule, systemActorID, repository.ActionComment, now)
				action.IsAutomatic = true
				action.Comments = &reason
				return action, nil
			}

			action := p.buildAction(inst, rule, systemActorID, repository.ActionEscalate, now)
			action.IsAutomatic = true
			reason := fmt.Sprintf("step overdue since %s, escalated to %s",
				inst.DueAt.Format(time.RFC3339), target.RuleCode)
			action.Comments = &reason

			enterStep(inst, target, now)
			inst.IsEscalated = true
			inst.EscalatedAt = &now
			inst.EscalationReason = &reason
			handled = true
			return action, nil

		case rule.AutoRejectOnTimeout:
			action := p.buildAction(inst, rule, systemActorID, repository.ActionReject, now)
			action.IsAutomatic = true
			reason := "step overdue, automatically rejected"
			action.Comments = &reason

			inst.RejectionsReceived++
			inst.Status = repository.StatusRejected
			inst.CompletedAt = &now
			autoRejected = inst
			handled = true
			return action, nil

		default:
			// Marked overdue, no automated remedy configured.
			return nil, nil
		}
	})
	if err != nil {
		return false, err
	}
	if escalationFailed != nil {
		return false, escalationFailed
	}

	if autoRejected != nil {
		p.sink.OnWorkflowRejected(ctx, autoRejected.DocumentType, autoRejected.DocumentID, autoRejected.Code)
	}
	return handled, nil
}

// IsOverdue reports whether an instance's current step deadline has passed.
func (p *ActionProcessor) IsOverdue(inst *repository.WorkflowInstance) bool {
	return inst.Status == repository.StatusPending && p.now().After(inst.DueAt)
}

// ── History ───────────────────────────────────────────────────────────────────

// History returns the instance's action ledger, newest first.
func (p *ActionProcessor) History(ctx context.Context, instanceID string) ([]*repository.WorkflowAction, error) {
	return p.store.ListActions(ctx, instanceID)
}

// ── Authorization ─────────────────────────────────────────────────────────────

// authorize resolves whether actorID may vote on the current step. Returns
// the delegator's identity when the actor votes under a delegation.
func (p *ActionProcessor) authorize(
	ctx context.Context,
	inst *repository.WorkflowInstance,
	rule *repository.ApprovalRule,
	actorID string,
	delegations map[string]string,
) (onBehalfOf *string, err error) {
	if delegator, ok := delegations[actorID]; ok {
		d := delegator
		return &d, nil
	}

	switch {
	case rule.ApprovalType == repository.ApprovalTypeSingle && rule.DesignatedActorID != nil:
		if *rule.DesignatedActorID == actorID {
			return nil, nil
		}
	case len(rule.EligibleActorIDs) > 0:
		for _, id := range rule.EligibleActorIDs {
			if id == actorID {
				return nil, nil
			}
		}
	default:
		eligible, err := p.authorizer.IsEligible(ctx, actorID, rule, StepContext{
			DocumentType: inst.DocumentType,
			DocumentID:   inst.DocumentID,
			StepSequence: inst.CurrentStepSequence(),
			Amount:       inst.Amount,
		})
		if err != nil {
			return nil, err
		}
		if eligible {
			return nil, nil
		}
	}

	return nil, errors.Newf(errors.ErrCodeUnauthorized,
		"actor %s is not eligible to act on step %d of workflow %s",
		actorID, inst.CurrentStepSequence(), inst.Code)
}

// stepDelegations maps delegate identity to delegator identity, per step
// sequence. The ledger is read outside the critical section; decide indexes
// the result by the locked instance's current step, so a delegation granted
// on an earlier step never authorizes a vote after the step advances. The
// read can still miss a delegation appended concurrently, which only refuses
// a vote that may be retried.
func (p *ActionProcessor) stepDelegations(ctx context.Context, instanceID string) (map[int]map[string]string, error) {
	actions, err := p.store.ListActions(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	out := make(map[int]map[string]string)
	for _, a := range actions {
		if a.ActionType != repository.ActionDelegate || a.OnBehalfOf == nil {
			continue
		}
		if out[a.StepSequence] == nil {
			out[a.StepSequence] = make(map[string]string)
		}
		out[a.StepSequence][*a.OnBehalfOf] = a.ActorID
	}
	return out, nil
}

// buildAction assembles the common fields of a ledger action for the
// instance's current step.
func (p *ActionProcessor) buildAction(
	inst *repository.WorkflowInstance,
	rule *repository.ApprovalRule,
	actorID, actionType string,
	now time.Time,
) *repository.WorkflowAction {
	return &repository.WorkflowAction{
		InstanceID:      inst.ID,
		RuleID:          rule.ID,
		ActorID:         actorID,
		ActionType:      actionType,
		StepName:        stepName(rule, inst.CurrentStepSequence()),
		StepSequence:    inst.CurrentStepSequence(),
		IsOverdueAction: now.After(inst.DueAt),
		ActionTakenAt:   now,
	}
}
