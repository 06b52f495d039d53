package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
	"github.com/ledgerline/be-approval-engine/internal/repository"
)

// ── In-memory fakes ───────────────────────────────────────────────────────────

type fakeRuleProvider struct {
	rules map[string]*repository.ApprovalRule
}

func newFakeRuleProvider(rules ...*repository.ApprovalRule) *fakeRuleProvider {
	p := &fakeRuleProvider{rules: make(map[string]*repository.ApprovalRule)}
	for _, r := range rules {
		p.rules[r.ID] = r
	}
	return p
}

func (p *fakeRuleProvider) FindApplicableRules(
	_ context.Context,
	documentType string,
	amount int64,
	siteID *string,
	attrs repository.RuleAttributes,
	asOf time.Time,
) ([]*repository.ApprovalRule, error) {
	var matched []*repository.ApprovalRule
	for _, rule := range p.rules {
		if rule.DocumentType != documentType {
			continue
		}
		if repository.RuleMatches(rule, amount, siteID, attrs, asOf) {
			matched = append(matched, rule)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].FloorLimit != matched[j].FloorLimit {
			return matched[i].FloorLimit < matched[j].FloorLimit
		}
		return matched[i].RuleCode < matched[j].RuleCode
	})
	return matched, nil
}

func (p *fakeRuleProvider) GetRule(_ context.Context, id string) (*repository.ApprovalRule, error) {
	rule, ok := p.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, nil
}

// fakeInstanceStore mimics the repository's transactional semantics: decide
// runs against a copy and only a successful decide commits.
type fakeInstanceStore struct {
	mu        sync.Mutex
	instances map[string]*repository.WorkflowInstance
	actions   []*repository.WorkflowAction
	counters  map[string]int64
	nextID    int
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{
		instances: make(map[string]*repository.WorkflowInstance),
		counters:  make(map[string]int64),
	}
}

// votingSeat mirrors the repository's decisive seat key: a delegated vote
// counts against the delegator held in OnBehalfOf.
func votingSeat(a *repository.WorkflowAction) string {
	if a.OnBehalfOf != nil {
		return *a.OnBehalfOf
	}
	return a.ActorID
}

func copyInstance(inst *repository.WorkflowInstance) *repository.WorkflowInstance {
	c := *inst
	c.PathRuleIDs = append([]string(nil), inst.PathRuleIDs...)
	return &c
}

func (s *fakeInstanceStore) Create(_ context.Context, inst *repository.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instances {
		if existing.DocumentType == inst.DocumentType &&
			existing.DocumentID == inst.DocumentID &&
			!repository.IsTerminalStatus(existing.Status) {
			return errors.Newf(errors.ErrCodeDuplicateWorkflow,
				"workflow %s is already active for %s/%d",
				existing.Code, inst.DocumentType, inst.DocumentID)
		}
	}

	s.nextID++
	inst.ID = fmt.Sprintf("inst-%04d", s.nextID)
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *fakeInstanceStore) NextCodeSequence(_ context.Context, documentType, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := documentType + "/" + period
	s.counters[key]++
	return s.counters[key], nil
}

func (s *fakeInstanceStore) GetByID(_ context.Context, id string) (*repository.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return copyInstance(inst), nil
}

func (s *fakeInstanceStore) GetByCode(_ context.Context, code string) (*repository.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.Code == code {
			return copyInstance(inst), nil
		}
	}
	return nil, errors.NotFound("workflow_instance", code)
}

func (s *fakeInstanceStore) GetActiveByDocument(_ context.Context, documentType string, documentID int64) (*repository.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.DocumentType == documentType && inst.DocumentID == documentID &&
			!repository.IsTerminalStatus(inst.Status) {
			return copyInstance(inst), nil
		}
	}
	return nil, nil
}

func (s *fakeInstanceStore) FindOverdue(_ context.Context, asOf time.Time, limit int) ([]*repository.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == repository.StatusPending && inst.DueAt.Before(asOf) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeInstanceStore) FindPending(_ context.Context, documentType string, limit int) ([]*repository.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != repository.StatusPending {
			continue
		}
		if documentType != "" && inst.DocumentType != documentType {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeInstanceStore) RecordAction(_ context.Context, instanceID string, decide repository.DecideFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[instanceID]
	if !ok {
		return errors.NotFound("workflow_instance", instanceID)
	}

	work := copyInstance(stored)
	action, err := decide(work)
	if err != nil {
		return err
	}

	if action != nil {
		if action.ActionType == repository.ActionApprove || action.ActionType == repository.ActionReject {
			for _, a := range s.actions {
				if a.InstanceID == instanceID &&
					a.StepSequence == action.StepSequence &&
					votingSeat(a) == votingSeat(action) &&
					(a.ActionType == repository.ActionApprove || a.ActionType == repository.ActionReject) {
					return errors.Newf(errors.ErrCodeDuplicateAction,
						"seat %s already voted on step %d", votingSeat(action), action.StepSequence)
				}
			}
		}
		action.ID = fmt.Sprintf("act-%04d", len(s.actions)+1)
		s.actions = append(s.actions, action)
	}

	s.instances[instanceID] = work
	return nil
}

func (s *fakeInstanceStore) ListActions(_ context.Context, instanceID string) ([]*repository.WorkflowAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.WorkflowAction
	for i := len(s.actions) - 1; i >= 0; i-- {
		if s.actions[i].InstanceID == instanceID {
			out = append(out, s.actions[i])
		}
	}
	return out, nil
}

// raceStore runs an injected step right before a record call, emulating a
// competing vote that commits between the delegation lookup and the lock.
type raceStore struct {
	*fakeInstanceStore
	before func()
}

func (s *raceStore) RecordAction(ctx context.Context, instanceID string, decide repository.DecideFunc) error {
	if s.before != nil {
		fn := s.before
		s.before = nil
		fn()
	}
	return s.fakeInstanceStore.RecordAction(ctx, instanceID, decide)
}

// fakeSink records lifecycle notifications.
type fakeSink struct {
	mu        sync.Mutex
	started   []string
	completed []string
	rejected  []string
}

func (s *fakeSink) OnWorkflowStarted(_ context.Context, _ string, _ int64, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, code)
}

func (s *fakeSink) OnWorkflowCompleted(_ context.Context, _ string, _ int64, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, code)
}

func (s *fakeSink) OnWorkflowRejected(_ context.Context, _ string, _ int64, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, code)
}

// fakeAuthorizer treats the listed actors as eligible for every rule.
type fakeAuthorizer struct {
	eligible map[string]bool
}

func newFakeAuthorizer(actors ...string) *fakeAuthorizer {
	a := &fakeAuthorizer{eligible: make(map[string]bool)}
	for _, id := range actors {
		a.eligible[id] = true
	}
	return a
}

func (a *fakeAuthorizer) IsEligible(_ context.Context, actorID string, _ *repository.ApprovalRule, _ StepContext) (bool, error) {
	return a.eligible[actorID], nil
}

// ── Fixture helpers ───────────────────────────────────────────────────────────

func ptr[T any](v T) *T { return &v }

func singleRule(id, code string, floor int64, ceiling *int64, designated string) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:                id,
		RuleCode:          code,
		DocumentType:      "purchase_request",
		FloorLimit:        floor,
		CeilingLimit:      ceiling,
		ApprovalType:      repository.ApprovalTypeSingle,
		RequiredApprovers: 1,
		EligibleApprovers: 1,
		DesignatedActorID: ptr(designated),
		TimeoutDays:       3,
		IsActive:          true,
	}
}

func quorumRule(id, code string, floor int64, ceiling *int64, required int, eligible []string) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:                id,
		RuleCode:          code,
		DocumentType:      "purchase_request",
		FloorLimit:        floor,
		CeilingLimit:      ceiling,
		ApprovalType:      repository.ApprovalTypeQuorum,
		RequiredApprovers: required,
		EligibleApprovers: len(eligible),
		EligibleActorIDs:  eligible,
		TimeoutDays:       3,
		IsActive:          true,
	}
}

type engineFixture struct {
	rules        *fakeRuleProvider
	store        *fakeInstanceStore
	sink         *fakeSink
	authorizer   *fakeAuthorizer
	orchestrator *WorkflowOrchestrator
	processor    *ActionProcessor
}

func newEngineFixture(rules *fakeRuleProvider, authorizer *fakeAuthorizer) *engineFixture {
	log := logger.Nop()
	store := newFakeInstanceStore()
	sink := &fakeSink{}
	resolver := NewApprovalPathResolver(rules, log)
	return &engineFixture{
		rules:        rules,
		store:        store,
		sink:         sink,
		authorizer:   authorizer,
		orchestrator: NewWorkflowOrchestrator(resolver, rules, store, sink, log),
		processor:    NewActionProcessor(rules, store, sink, authorizer, log),
	}
}
