package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
)

func TestOrchestratorStart(t *testing.T) {
	ctx := context.Background()

	// Open-ceiling tiers: a large amount matches every tier at or below it,
	// stacking into a multi-step path.
	rules := newFakeRuleProvider(
		singleRule("r1", "PR-T1", 0, nil, "mgr-01"),
		quorumRule("r2", "PR-T2", 100_000, nil, 2, []string{"dir-01", "dir-02", "dir-03"}),
		quorumRule("r3", "PR-T3", 500_000, nil, 3, []string{"vp-01", "vp-02", "vp-03"}),
	)

	t.Run("low amount yields a single-step path", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())
		started := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
		fx.orchestrator.now = func() time.Time { return started }

		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 42, 500_00, StartOptions{})
		require.NoError(t, err)

		assert.Equal(t, "WF-PUR-202608-00001", inst.Code)
		assert.Equal(t, repository.StatusPending, inst.Status)
		assert.Equal(t, []string{"r1"}, inst.PathRuleIDs)
		assert.Equal(t, 1, inst.TotalSteps)
		assert.Equal(t, "r1", inst.CurrentRuleID)
		assert.Equal(t, 1, inst.ApprovalsRequired)
		assert.Equal(t, 0, inst.ApprovalsReceived)
		assert.Equal(t, started.Add(72*time.Hour), inst.DueAt)
		assert.Equal(t, []string{inst.Code}, fx.sink.started)
	})

	t.Run("high amount stacks every tier in floor order", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())

		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 43, 750_000, StartOptions{})
		require.NoError(t, err)

		assert.Equal(t, []string{"r1", "r2", "r3"}, inst.PathRuleIDs)
		assert.Equal(t, 3, inst.TotalSteps)
		assert.Equal(t, "r1", inst.CurrentRuleID)
	})

	t.Run("resolution is deterministic", func(t *testing.T) {
		resolver := NewApprovalPathResolver(rules, logger.Nop())

		first, err := resolver.Resolve(ctx, "purchase_request", 750_000, nil, repository.RuleAttributes{})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := resolver.Resolve(ctx, "purchase_request", 750_000, nil, repository.RuleAttributes{})
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("no matching rule is a hard failure", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())

		_, err := fx.orchestrator.Start(ctx, "stock_adjustment", 44, 500_00, StartOptions{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeNoApprovalPath, errors.CodeOf(err))
		assert.Empty(t, fx.sink.started)
	})

	t.Run("second start for the same document is rejected", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())

		_, err := fx.orchestrator.Start(ctx, "purchase_request", 45, 500_00, StartOptions{})
		require.NoError(t, err)

		_, err = fx.orchestrator.Start(ctx, "purchase_request", 45, 500_00, StartOptions{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeDuplicateWorkflow, errors.CodeOf(err))
	})

	t.Run("terminal workflow does not block a restart", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())

		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 46, 500_00, StartOptions{})
		require.NoError(t, err)
		require.NoError(t, fx.orchestrator.Cancel(ctx, inst.ID, "req-01", "resubmitting"))

		_, err = fx.orchestrator.Start(ctx, "purchase_request", 46, 500_00, StartOptions{})
		require.NoError(t, err)
	})

	t.Run("negative amount is invalid", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())

		_, err := fx.orchestrator.Start(ctx, "purchase_request", 47, -1, StartOptions{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("code sequences increment within a period", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())
		started := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		fx.orchestrator.now = func() time.Time { return started }

		a, err := fx.orchestrator.Start(ctx, "purchase_request", 48, 500_00, StartOptions{})
		require.NoError(t, err)
		b, err := fx.orchestrator.Start(ctx, "purchase_request", 49, 500_00, StartOptions{})
		require.NoError(t, err)

		assert.Equal(t, "WF-PUR-202608-00001", a.Code)
		assert.Equal(t, "WF-PUR-202608-00002", b.Code)
	})
}

func TestOrchestratorCancel(t *testing.T) {
	ctx := context.Background()
	rules := newFakeRuleProvider(singleRule("r1", "PR-T1", 0, nil, "mgr-01"))

	t.Run("pending workflow can be cancelled", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())
		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 50, 500_00, StartOptions{})
		require.NoError(t, err)

		require.NoError(t, fx.orchestrator.Cancel(ctx, inst.ID, "req-01", "ordered elsewhere"))

		got, err := fx.store.GetByID(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.StatusCancelled, got.Status)
		require.NotNil(t, got.CompletedAt)

		actions, err := fx.store.ListActions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, repository.ActionComment, actions[0].ActionType)
		assert.Equal(t, "ordered elsewhere", *actions[0].Comments)
	})

	t.Run("cancellation requires a reason", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())
		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 51, 500_00, StartOptions{})
		require.NoError(t, err)

		err = fx.orchestrator.Cancel(ctx, inst.ID, "req-01", "")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("terminal workflow cannot be cancelled again", func(t *testing.T) {
		fx := newEngineFixture(rules, newFakeAuthorizer())
		inst, err := fx.orchestrator.Start(ctx, "purchase_request", 52, 500_00, StartOptions{})
		require.NoError(t, err)
		require.NoError(t, fx.orchestrator.Cancel(ctx, inst.ID, "req-01", "duplicate entry"))

		err = fx.orchestrator.Cancel(ctx, inst.ID, "req-01", "again")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeWorkflowNotPending, errors.CodeOf(err))
	})
}

func TestOrchestratorPreview(t *testing.T) {
	ctx := context.Background()
	rules := newFakeRuleProvider(
		singleRule("r1", "PR-T1", 0, nil, "mgr-01"),
		quorumRule("r2", "PR-T2", 100_000, nil, 2, []string{"dir-01", "dir-02", "dir-03"}),
	)
	fx := newEngineFixture(rules, newFakeAuthorizer())

	steps, err := fx.orchestrator.Preview(ctx, "purchase_request", 250_000, StartOptions{})
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, 1, steps[0].Sequence)
	assert.Equal(t, "PR-T1", steps[0].RuleCode)
	assert.Equal(t, repository.ApprovalTypeSingle, steps[0].ApprovalType)
	assert.Equal(t, 2, steps[1].Sequence)
	assert.Equal(t, 2, steps[1].RequiredApprovers)
	assert.Equal(t, 3, steps[1].EligibleApprovers)
	assert.Equal(t, 3, steps[1].EstimatedDays)

	// Preview persists nothing.
	active, err := fx.store.GetActiveByDocument(ctx, "purchase_request", 0)
	require.NoError(t, err)
	assert.Nil(t, active)
}
