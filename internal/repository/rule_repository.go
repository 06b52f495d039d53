package repository

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/be-approval-engine/internal/database"
	"github.com/ledgerline/be-approval-engine/internal/errors"
)

// ApprovalRuleRepository reads the approval rule catalog. The catalog is
// maintained by the organization service; the engine only reads it, so no
// write paths are exposed here.
type ApprovalRuleRepository struct {
	db *database.DB
}

// NewApprovalRuleRepository creates a new ApprovalRuleRepository.
func NewApprovalRuleRepository(db *database.DB) *ApprovalRuleRepository {
	return &ApprovalRuleRepository{db: db}
}

const ruleColumns = `
	id, rule_code, document_type,
	floor_limit, ceiling_limit,
	approval_type, required_approvers, eligible_approvers,
	eligible_actor_ids, designated_actor_id,
	timeout_days, escalation_rule_id, auto_reject_on_timeout,
	site_id, is_active, effective_from, effective_to,
	budget_type, category, is_budgeted, urgency, creator_id,
	created_at, updated_at`

// GetRule retrieves a rule by primary key.
func (r *ApprovalRuleRepository) GetRule(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, err
}

// FindApplicableRules returns the active rules matching the document type,
// amount, site and attribute bag as of the given time, ordered ascending by
// floor limit. An empty result means the document has no approval path.
func (r *ApprovalRuleRepository) FindApplicableRules(
	ctx context.Context,
	documentType string,
	amount int64,
	siteID *string,
	attrs RuleAttributes,
	asOf time.Time,
) ([]*ApprovalRule, error) {
	// Load active rules for the type; evaluate the remaining predicates in Go
	// to keep the SQL simple.
	query := `SELECT` + ruleColumns + `
		FROM approval_rules
		WHERE document_type = $1
		  AND is_active = TRUE
		ORDER BY floor_limit ASC, rule_code ASC
	`

	rows, err := r.db.Query(ctx, query, documentType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query approval rules")
	}
	defer rows.Close()

	var all []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		all = append(all, rule)
	}

	var matched []*ApprovalRule
	for _, rule := range all {
		if RuleMatches(rule, amount, siteID, attrs, asOf) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].FloorLimit < matched[j].FloorLimit
	})
	return matched, nil
}

// RuleMatches evaluates every predicate a rule declares against the document
// attributes. Exported so the in-memory stores used in tests share the exact
// matching semantics.
func RuleMatches(rule *ApprovalRule, amount int64, siteID *string, attrs RuleAttributes, asOf time.Time) bool {
	if !rule.IsActive {
		return false
	}
	if !amountInBand(rule, amount) {
		return false
	}
	// Site: a rule with no site is global; otherwise sites must match.
	if rule.SiteID != nil {
		if siteID == nil || *rule.SiteID != *siteID {
			return false
		}
	}
	if rule.EffectiveFrom != nil && asOf.Before(*rule.EffectiveFrom) {
		return false
	}
	if rule.EffectiveTo != nil && asOf.After(*rule.EffectiveTo) {
		return false
	}
	if rule.BudgetType != nil && *rule.BudgetType != attrs.BudgetType {
		return false
	}
	if rule.Category != nil && *rule.Category != attrs.Category {
		return false
	}
	if rule.IsBudgeted != nil {
		if attrs.IsBudgeted == nil || *rule.IsBudgeted != *attrs.IsBudgeted {
			return false
		}
	}
	if rule.Urgency != nil && *rule.Urgency != attrs.Urgency {
		return false
	}
	if rule.CreatorID != nil && *rule.CreatorID != attrs.CreatorID {
		return false
	}
	return true
}

// amountInBand checks the rule's amount window. The floor is exclusive except
// for the lowest band, which includes 0; the ceiling is inclusive.
func amountInBand(rule *ApprovalRule, amount int64) bool {
	if rule.FloorLimit == 0 {
		if amount < 0 {
			return false
		}
	} else if amount <= rule.FloorLimit {
		return false
	}
	if rule.CeilingLimit != nil && amount > *rule.CeilingLimit {
		return false
	}
	return true
}

// ── scan helper ───────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRuleRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	err := row.Scan(
		&rule.ID,
		&rule.RuleCode,
		&rule.DocumentType,
		&rule.FloorLimit,
		&rule.CeilingLimit,
		&rule.ApprovalType,
		&rule.RequiredApprovers,
		&rule.EligibleApprovers,
		&rule.EligibleActorIDs,
		&rule.DesignatedActorID,
		&rule.TimeoutDays,
		&rule.EscalationRuleID,
		&rule.AutoRejectOnTimeout,
		&rule.SiteID,
		&rule.IsActive,
		&rule.EffectiveFrom,
		&rule.EffectiveTo,
		&rule.BudgetType,
		&rule.Category,
		&rule.IsBudgeted,
		&rule.Urgency,
		&rule.CreatorID,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rule, nil
}
