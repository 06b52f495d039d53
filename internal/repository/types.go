package repository

import "time"

// ── Domain types for the approval-workflow engine ────────────────────────────

// Approval types supported by a rule.
const (
	ApprovalTypeSingle    = "single"
	ApprovalTypeQuorum    = "quorum"
	ApprovalTypeMajority  = "majority"
	ApprovalTypeUnanimous = "unanimous"
)

// Workflow instance statuses. Completed, rejected, cancelled and failed are
// terminal.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Workflow action types.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionDelegate = "delegate"
	ActionEscalate = "escalate"
	ActionComment  = "comment"
)

// IsTerminalStatus reports whether a workflow status permits no further actions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// ApprovalRule is one entry in the rule catalog. The catalog is owned by the
// organization service; the engine reads it and never writes it.
type ApprovalRule struct {
	ID                  string     `json:"id"`
	RuleCode            string     `json:"rule_code"`
	DocumentType        string     `json:"document_type"`
	FloorLimit          int64      `json:"floor_limit"`              // cents; exclusive lower bound, except the lowest band which includes 0
	CeilingLimit        *int64     `json:"ceiling_limit,omitempty"`  // cents; inclusive upper bound, nil = unbounded
	ApprovalType        string     `json:"approval_type"`            // single | quorum | majority | unanimous
	RequiredApprovers   int        `json:"required_approvers"`
	EligibleApprovers   int        `json:"eligible_approvers"`       // pool size
	EligibleActorIDs    []string   `json:"eligible_actor_ids,omitempty"` // optional explicit eligible-actor set
	DesignatedActorID   *string    `json:"designated_actor_id,omitempty"` // the single approver, when ApprovalType is single
	TimeoutDays         int        `json:"timeout_days"`
	EscalationRuleID    *string    `json:"escalation_rule_id,omitempty"`
	AutoRejectOnTimeout bool       `json:"auto_reject_on_timeout"`
	SiteID              *string    `json:"site_id,omitempty"` // nil = global rule
	IsActive            bool       `json:"is_active"`
	EffectiveFrom       *time.Time `json:"effective_from,omitempty"`
	EffectiveTo         *time.Time `json:"effective_to,omitempty"`

	// Attribute predicates; nil means the rule does not discriminate on it.
	BudgetType *string `json:"budget_type,omitempty"`
	Category   *string `json:"category,omitempty"`
	IsBudgeted *bool   `json:"is_budgeted,omitempty"`
	Urgency    *string `json:"urgency,omitempty"`
	CreatorID  *string `json:"creator_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowInstance is the aggregate root: one in-flight or historical approval
// process for one document.
type WorkflowInstance struct {
	ID     string `json:"id"`
	Code   string `json:"code"` // WF-<TYPE>-<yyyymm>-<seq>, unique
	Status string `json:"status"`

	// Opaque document reference. The engine never dereferences the document;
	// status changes flow through the DocumentStatusSink.
	DocumentType string `json:"document_type"`
	DocumentID   int64  `json:"document_id"`

	Amount int64 `json:"amount"` // routing amount in cents, immutable after creation

	PathRuleIDs    []string `json:"path_rule_ids"` // fixed at creation
	TotalSteps     int      `json:"total_steps"`
	StepsCompleted int      `json:"steps_completed"`
	CurrentRuleID  string   `json:"current_rule_id"`

	// Current-step counters, reset on every advancement.
	ApprovalsRequired  int `json:"approvals_required"`
	ApprovalsReceived  int `json:"approvals_received"`
	RejectionsReceived int `json:"rejections_received"`

	StartedAt        time.Time  `json:"started_at"`
	DueAt            time.Time  `json:"due_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	IsOverdue        bool       `json:"is_overdue"`
	IsEscalated      bool       `json:"is_escalated"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	EscalationReason *string    `json:"escalation_reason,omitempty"`

	Notes    *string                `json:"notes,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentStepSequence is the 1-based sequence of the step awaiting votes.
func (w *WorkflowInstance) CurrentStepSequence() int {
	return w.StepsCompleted + 1
}

// WorkflowAction is one immutable record in the action ledger.
type WorkflowAction struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	RuleID     string  `json:"rule_id"`
	ActorID    string  `json:"actor_id"`
	OnBehalfOf *string `json:"on_behalf_of,omitempty"` // original identity when the act was delegated

	ActionType   string `json:"action_type"`
	StepName     string `json:"step_name"`
	StepSequence int    `json:"step_sequence"` // 1-based; matches StepsCompleted+1 at the time of the act

	Comments        *string `json:"comments,omitempty"`
	IsAutomatic     bool    `json:"is_automatic"`      // system-driven escalations / auto-rejects
	IsOverdueAction bool    `json:"is_overdue_action"` // recorded after the step's DueAt

	ActionTakenAt time.Time `json:"action_taken_at"`
}

// RuleAttributes is the routing attribute bag supplied at start time and
// matched against rule predicates.
type RuleAttributes struct {
	BudgetType string
	Category   string
	IsBudgeted *bool
	Urgency    string
	CreatorID  string
}
