package service

import (
	"context"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// ApprovalPathResolver computes the ordered sequence of rules a document must
// satisfy. Resolution is deterministic: identical inputs against an unchanged
// catalog yield an identical path.
type ApprovalPathResolver struct {
	rules RuleProvider
	log   *logger.Logger
}

// NewApprovalPathResolver creates a new ApprovalPathResolver.
func NewApprovalPathResolver(rules RuleProvider, log *logger.Logger) *ApprovalPathResolver {
	return &ApprovalPathResolver{rules: rules, log: log}
}

// StepPreview describes one step of a prospective path without persisting
// anything.
type StepPreview struct {
	Sequence          int    `json:"sequence"`
	RuleID            string `json:"rule_id"`
	RuleCode          string `json:"rule_code"`
	ApprovalType      string `json:"approval_type"`
	RequiredApprovers int    `json:"required_approvers"`
	EligibleApprovers int    `json:"eligible_approvers"`
	Description       string `json:"description"`
	EstimatedDays     int    `json:"estimated_days"`
}

// Resolve returns the ordered rule IDs forming the approval path. An empty
// path means no rule matched; callers must treat that as a hard failure, not
// a silently approved document.
func (r *ApprovalPathResolver) Resolve(
	ctx context.Context,
	documentType string,
	amount int64,
	siteID *string,
	attrs repository.RuleAttributes,
) ([]string, error) {
	rules, err := r.matching(ctx, documentType, amount, siteID, attrs)
	if err != nil {
		return nil, err
	}

	path := make([]string, 0, len(rules))
	for _, rule := range rules {
		path = append(path, rule.ID)
	}

	r.log.Debug().
		Str("document_type", documentType).
		Int64("amount", amount).
		Int("path_length", len(path)).
		Msg("Approval path resolved")

	return path, nil
}

// Preview expands the resolved path into human-readable step descriptors.
// Side-effect free.
func (r *ApprovalPathResolver) Preview(
	ctx context.Context,
	documentType string,
	amount int64,
	siteID *string,
	attrs repository.RuleAttributes,
) ([]StepPreview, error) {
	rules, err := r.matching(ctx, documentType, amount, siteID, attrs)
	if err != nil {
		return nil, err
	}

	previews := make([]StepPreview, 0, len(rules))
	for i, rule := range rules {
		days := rule.TimeoutDays
		if days <= 0 {
			days = defaultTimeoutDays
		}
		previews = append(previews, StepPreview{
			Sequence:          i + 1,
			RuleID:            rule.ID,
			RuleCode:          rule.RuleCode,
			ApprovalType:      rule.ApprovalType,
			RequiredApprovers: requiredApprovals(rule),
			EligibleApprovers: rule.EligibleApprovers,
			Description:       describeRule(rule),
			EstimatedDays:     days,
		})
	}
	return previews, nil
}

// matching queries the provider; rules arrive ordered ascending by floor
// limit, a strictly increasing hierarchy of approval authority.
func (r *ApprovalPathResolver) matching(
	ctx context.Context,
	documentType string,
	amount int64,
	siteID *string,
	attrs repository.RuleAttributes,
) ([]*repository.ApprovalRule, error) {
	return r.rules.FindApplicableRules(ctx, documentType, amount, siteID, attrs, time.Now())
}
