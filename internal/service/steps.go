package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// defaultTimeoutDays bounds a step's deadline when the rule carries no
// timeout.
const defaultTimeoutDays = 3

// typeTags maps document types to the short tag embedded in workflow codes.
var typeTags = map[string]string{
	"purchase_request": "PUR",
	"purchase_order":   "PO",
	"stock_adjustment": "STK",
	"expense_claim":    "EXP",
}

// documentTypeTag returns the code tag for a document type, deriving one from
// the type name when it is not in the table.
func documentTypeTag(documentType string) string {
	if tag, ok := typeTags[documentType]; ok {
		return tag
	}
	cleaned := strings.ToUpper(strings.ReplaceAll(documentType, "_", ""))
	if len(cleaned) > 3 {
		cleaned = cleaned[:3]
	}
	if cleaned == "" {
		cleaned = "DOC"
	}
	return cleaned
}

// workflowCode formats a workflow code, e.g. WF-PUR-202401-00123.
func workflowCode(documentType string, startedAt time.Time, seq int64) string {
	return fmt.Sprintf("WF-%s-%s-%05d", documentTypeTag(documentType), startedAt.Format("200601"), seq)
}

// codePeriod is the yyyymm bucket the code sequence is scoped to.
func codePeriod(startedAt time.Time) string {
	return startedAt.Format("200601")
}

// requiredApprovals computes the approval threshold for a rule.
func requiredApprovals(rule *repository.ApprovalRule) int {
	switch rule.ApprovalType {
	case repository.ApprovalTypeSingle:
		return 1
	case repository.ApprovalTypeQuorum:
		if rule.RequiredApprovers < 1 {
			return 1
		}
		return rule.RequiredApprovers
	case repository.ApprovalTypeMajority:
		return rule.EligibleApprovers/2 + 1
	case repository.ApprovalTypeUnanimous:
		return rule.EligibleApprovers
	}
	return 1
}

// stepDueAt computes the deadline for a step entered at the given time.
func stepDueAt(enteredAt time.Time, rule *repository.ApprovalRule) time.Time {
	days := rule.TimeoutDays
	if days <= 0 {
		days = defaultTimeoutDays
	}
	return enteredAt.Add(time.Duration(days) * 24 * time.Hour)
}

// stepName renders a human-readable name for the step governed by a rule.
func stepName(rule *repository.ApprovalRule, sequence int) string {
	return fmt.Sprintf("Step %d: %s (%s)", sequence, describeRule(rule), rule.RuleCode)
}

// describeRule renders a short description of a rule's approval requirement.
func describeRule(rule *repository.ApprovalRule) string {
	switch rule.ApprovalType {
	case repository.ApprovalTypeSingle:
		return "approval by the designated approver"
	case repository.ApprovalTypeQuorum:
		return fmt.Sprintf("approval by %d of %d eligible approvers",
			requiredApprovals(rule), rule.EligibleApprovers)
	case repository.ApprovalTypeMajority:
		return fmt.Sprintf("majority approval (%d of %d)",
			requiredApprovals(rule), rule.EligibleApprovers)
	case repository.ApprovalTypeUnanimous:
		return fmt.Sprintf("unanimous approval by all %d approvers", rule.EligibleApprovers)
	}
	return "approval"
}

// enterStep points the instance at a rule and resets the per-step counters
// and deadline. Used at creation, on advancement and on escalation.
func enterStep(inst *repository.WorkflowInstance, rule *repository.ApprovalRule, now time.Time) {
	inst.CurrentRuleID = rule.ID
	inst.ApprovalsRequired = requiredApprovals(rule)
	inst.ApprovalsReceived = 0
	inst.RejectionsReceived = 0
	inst.DueAt = stepDueAt(now, rule)
}
