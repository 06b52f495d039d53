package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool       { return &b }
func strPtr(s string) *string    { return &s }
func int64Ptr(v int64) *int64    { return &v }
func timePtr(t time.Time) *time.Time { return &t }

func TestAmountInBand(t *testing.T) {
	lowest := &ApprovalRule{FloorLimit: 0, CeilingLimit: int64Ptr(100_000)}
	middle := &ApprovalRule{FloorLimit: 100_000, CeilingLimit: int64Ptr(500_000)}
	open := &ApprovalRule{FloorLimit: 500_000}

	cases := []struct {
		name   string
		rule   *ApprovalRule
		amount int64
		want   bool
	}{
		{"lowest band includes zero", lowest, 0, true},
		{"lowest band includes ceiling", lowest, 100_000, true},
		{"lowest band excludes above ceiling", lowest, 100_001, false},
		{"floor is exclusive", middle, 100_000, false},
		{"just above floor matches", middle, 100_001, true},
		{"ceiling is inclusive", middle, 500_000, true},
		{"open ceiling is unbounded", open, 9_000_000_000, true},
		{"open band still excludes its floor", open, 500_000, false},
		{"negative amount never matches", lowest, -1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, amountInBand(tc.rule, tc.amount))
		})
	}
}

func TestRuleMatches(t *testing.T) {
	now := time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC)

	base := func() *ApprovalRule {
		return &ApprovalRule{
			ID:           "r1",
			RuleCode:     "PR-T1",
			DocumentType: "purchase_request",
			FloorLimit:   0,
			ApprovalType: ApprovalTypeSingle,
			IsActive:     true,
		}
	}

	t.Run("inactive rule never matches", func(t *testing.T) {
		rule := base()
		rule.IsActive = false
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now))
	})

	t.Run("global rule matches any site", func(t *testing.T) {
		rule := base()
		site := "site-a"
		assert.True(t, RuleMatches(rule, 100, &site, RuleAttributes{}, now))
		assert.True(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now))
	})

	t.Run("site rule requires the same site", func(t *testing.T) {
		rule := base()
		rule.SiteID = strPtr("site-a")
		siteA, siteB := "site-a", "site-b"
		assert.True(t, RuleMatches(rule, 100, &siteA, RuleAttributes{}, now))
		assert.False(t, RuleMatches(rule, 100, &siteB, RuleAttributes{}, now))
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now))
	})

	t.Run("effective window bounds matching", func(t *testing.T) {
		rule := base()
		rule.EffectiveFrom = timePtr(now.Add(-24 * time.Hour))
		rule.EffectiveTo = timePtr(now.Add(24 * time.Hour))
		assert.True(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now))
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now.Add(-48*time.Hour)))
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{}, now.Add(48*time.Hour)))
	})

	t.Run("attribute predicates must all hold", func(t *testing.T) {
		rule := base()
		rule.BudgetType = strPtr("capex")
		rule.Category = strPtr("it_equipment")
		rule.IsBudgeted = boolPtr(true)

		match := RuleAttributes{BudgetType: "capex", Category: "it_equipment", IsBudgeted: boolPtr(true)}
		assert.True(t, RuleMatches(rule, 100, nil, match, now))

		wrongCategory := match
		wrongCategory.Category = "services"
		assert.False(t, RuleMatches(rule, 100, nil, wrongCategory, now))

		missingFlag := match
		missingFlag.IsBudgeted = nil
		assert.False(t, RuleMatches(rule, 100, nil, missingFlag, now))
	})

	t.Run("rule without predicates ignores attributes", func(t *testing.T) {
		rule := base()
		attrs := RuleAttributes{BudgetType: "opex", Urgency: "urgent", CreatorID: "u1"}
		assert.True(t, RuleMatches(rule, 100, nil, attrs, now))
	})

	t.Run("urgency and creator predicates", func(t *testing.T) {
		rule := base()
		rule.Urgency = strPtr("urgent")
		rule.CreatorID = strPtr("u1")
		assert.True(t, RuleMatches(rule, 100, nil, RuleAttributes{Urgency: "urgent", CreatorID: "u1"}, now))
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{Urgency: "normal", CreatorID: "u1"}, now))
		assert.False(t, RuleMatches(rule, 100, nil, RuleAttributes{Urgency: "urgent", CreatorID: "u2"}, now))
	})
}

func TestIsTerminalStatus(t *testing.T) {
	assert.False(t, IsTerminalStatus(StatusPending))
	for _, s := range []string{StatusCompleted, StatusRejected, StatusCancelled, StatusFailed} {
		assert.True(t, IsTerminalStatus(s))
	}
}
