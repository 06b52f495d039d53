package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ledgerline/be-approval-engine/internal/repository"
)

func TestWorkflowCode(t *testing.T) {
	started := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, "WF-PUR-202608-00123", workflowCode("purchase_request", started, 123))
	assert.Equal(t, "WF-PO-202608-00001", workflowCode("purchase_order", started, 1))
	assert.Equal(t, "WF-EXP-202608-00042", workflowCode("expense_claim", started, 42))

	// Unknown types get a derived tag.
	assert.Equal(t, "WF-CON-202608-00007", workflowCode("contract", started, 7))
	assert.Equal(t, "WF-DOC-202608-00001", workflowCode("", started, 1))
}

func TestCodePeriod(t *testing.T) {
	assert.Equal(t, "202608", codePeriod(time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, "202701", codePeriod(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRequiredApprovals(t *testing.T) {
	cases := []struct {
		name string
		rule *repository.ApprovalRule
		want int
	}{
		{"single is always one", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeSingle, RequiredApprovers: 5}, 1},
		{"quorum uses the configured count", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeQuorum, RequiredApprovers: 3}, 3},
		{"quorum floors at one", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeQuorum, RequiredApprovers: 0}, 1},
		{"majority of five", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeMajority, EligibleApprovers: 5}, 3},
		{"majority of four", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeMajority, EligibleApprovers: 4}, 3},
		{"majority of one", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeMajority, EligibleApprovers: 1}, 1},
		{"unanimous needs the whole pool", &repository.ApprovalRule{ApprovalType: repository.ApprovalTypeUnanimous, EligibleApprovers: 4}, 4},
		{"unknown type defaults to one", &repository.ApprovalRule{ApprovalType: "weighted"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, requiredApprovals(tc.rule))
		})
	}
}

func TestStepDueAt(t *testing.T) {
	entered := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, entered.Add(5*24*time.Hour), stepDueAt(entered, &repository.ApprovalRule{TimeoutDays: 5}))
	assert.Equal(t, entered.Add(3*24*time.Hour), stepDueAt(entered, &repository.ApprovalRule{}))
}

func TestEnterStep(t *testing.T) {
	now := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	inst := &repository.WorkflowInstance{
		CurrentRuleID:      "old",
		ApprovalsRequired:  2,
		ApprovalsReceived:  1,
		RejectionsReceived: 1,
	}
	rule := &repository.ApprovalRule{
		ID:                "new",
		ApprovalType:      repository.ApprovalTypeQuorum,
		RequiredApprovers: 3,
		TimeoutDays:       2,
	}

	enterStep(inst, rule, now)

	assert.Equal(t, "new", inst.CurrentRuleID)
	assert.Equal(t, 3, inst.ApprovalsRequired)
	assert.Equal(t, 0, inst.ApprovalsReceived)
	assert.Equal(t, 0, inst.RejectionsReceived)
	assert.Equal(t, now.Add(48*time.Hour), inst.DueAt)
}
