package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/pending"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// fakeRuleStore is an in-memory RuleStore.
type fakeRuleStore struct {
	mu         sync.Mutex
	rules      map[string]*repository.ApprovalRule
	nextID     int
	inProgress map[string]int

	createErr error
	updateErr error
	deleteErr error
	listErr   error

	creates int
	updates int
	deletes int
}

func newFakeRuleStore(rules ...*repository.ApprovalRule) *fakeRuleStore {
	s := &fakeRuleStore{
		rules:      make(map[string]*repository.ApprovalRule),
		inProgress: make(map[string]int),
	}
	for _, r := range rules {
		s.rules[r.ID] = r.Clone()
	}
	return s
}

func (s *fakeRuleStore) CreateWithLevels(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.creates++
	s.nextID++
	rule.ID = fmt.Sprintf("rule-%d", s.nextID)
	for i := range rule.Levels {
		rule.Levels[i].ID = fmt.Sprintf("%s-level-%d", rule.ID, i+1)
		rule.Levels[i].RuleID = rule.ID
	}
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *fakeRuleStore) FindByIDOrName(ctx context.Context, tenantID, identifier string) (*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[identifier]; ok && r.TenantID == tenantID {
		return r.Clone(), nil
	}
	var matches []*repository.ApprovalRule
	needle := strings.ToLower(identifier)
	for _, r := range s.rules {
		if r.TenantID == tenantID && strings.Contains(strings.ToLower(r.Name), needle) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, errors.NotFound("approval rule", identifier)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Name < matches[j].Name
	})
	return matches[0].Clone(), nil
}

func (s *fakeRuleStore) List(ctx context.Context, tenantID string, filter repository.RuleFilter) ([]*repository.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*repository.ApprovalRule
	for _, r := range s.rules {
		if r.TenantID != tenantID {
			continue
		}
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		if filter.DocumentType != nil && r.DocumentType != *filter.DocumentType {
			continue
		}
		out = append(out, r.Clone())
	}
	// Map iteration order is random; callers sort.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeRuleStore) UpdateAttributes(ctx context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	existing, ok := s.rules[rule.ID]
	if !ok || existing.TenantID != rule.TenantID {
		return errors.NotFound("approval rule", rule.ID)
	}
	s.updates++
	updated := rule.Clone()
	updated.Levels = existing.Levels
	s.rules[rule.ID] = updated
	return nil
}

func (s *fakeRuleStore) DeleteCascade(ctx context.Context, id, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenantID {
		return errors.NotFound("approval rule", id)
	}
	s.deletes++
	delete(s.rules, id)
	return nil
}

func (s *fakeRuleStore) CountInProgressWorkflows(ctx context.Context, ruleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress[ruleID], nil
}

func (s *fakeRuleStore) get(id string) (*repository.ApprovalRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	return r, ok
}

// fakeHistoryStore serves fixed workflow history.
type fakeHistoryStore struct {
	completed  []*repository.WorkflowHistoryRecord
	byRule     map[string][]*repository.WorkflowHistoryRecord
	amounts    []float64
	categories []repository.CategoryCount
	documents  map[repository.DocumentType]int
	err        error
}

func (h *fakeHistoryStore) ListCompletedWorkflows(ctx context.Context, tenantID string) ([]*repository.WorkflowHistoryRecord, error) {
	return h.completed, h.err
}

func (h *fakeHistoryStore) ListWorkflowsByRule(ctx context.Context, tenantID, ruleID string) ([]*repository.WorkflowHistoryRecord, error) {
	var workflows []*repository.WorkflowHistoryRecord
	for _, w := range h.byRule[ruleID] {
		if w.TenantID == tenantID {
			workflows = append(workflows, w)
		}
	}
	return workflows, h.err
}

func (h *fakeHistoryStore) ListEstimatedAmounts(ctx context.Context, tenantID string) ([]float64, error) {
	return h.amounts, h.err
}

func (h *fakeHistoryStore) CountByCategory(ctx context.Context, tenantID string) ([]repository.CategoryCount, error) {
	return h.categories, h.err
}

func (h *fakeHistoryStore) CountDocuments(ctx context.Context, tenantID string, docType repository.DocumentType) (int, error) {
	return h.documents[docType], h.err
}

// fakeAuditLog records appended entries.
type fakeAuditLog struct {
	mu      sync.Mutex
	entries []*repository.RuleAuditEntry
	err     error
}

func (a *fakeAuditLog) Append(ctx context.Context, entry *repository.RuleAuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAuditLog) GetByRuleID(ctx context.Context, ruleID, tenantID string) ([]*repository.RuleAuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.RuleAuditEntry
	for _, e := range a.entries {
		if e.RuleID == ruleID && e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) PublishRuleEvent(ctx context.Context, eventType string, rule *repository.ApprovalRule, actorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType+":"+rule.ID)
}

// fakeCache is an in-memory AnalysisCache.
type fakeCache struct {
	mu    sync.Mutex
	items map[string]any
	gets  int
}

func (c *fakeCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if p, isPatterns := dest.(*ApprovalPatterns); isPatterns {
		*p = *(v.(*ApprovalPatterns))
	}
	return true, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]any)
	}
	c.items[key] = value
	return nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fixture wires a RuleLifecycleService over fakes.
type fixture struct {
	svc      *RuleLifecycleService
	rules    *fakeRuleStore
	history  *fakeHistoryStore
	audit    *fakeAuditLog
	events   *fakePublisher
	store    *pending.Store
	clock    *fakeClock
	analyzer *PatternAnalyzer
}

func newFixture(rules ...*repository.ApprovalRule) *fixture {
	f := &fixture{
		rules:   newFakeRuleStore(rules...),
		history: &fakeHistoryStore{documents: map[repository.DocumentType]int{}},
		audit:   &fakeAuditLog{},
		events:  &fakePublisher{},
		clock:   &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	f.store = pending.NewStore(pending.WithClock(f.clock.Now))
	f.analyzer = NewPatternAnalyzer(f.history, f.rules, nil, 0, logger.Nop())
	f.svc = NewRuleLifecycleService(f.rules, f.store, f.analyzer, f.audit, f.events, logger.Nop())
	return f
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func boolPtr(b bool) *bool { return &b }

func rangedRule(id string, docType repository.DocumentType, minAmount, maxAmount *float64) *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:           id,
		TenantID:     "t1",
		Name:         "Regla " + id,
		DocumentType: docType,
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		IsActive:     true,
	}
}

func financeReview() *repository.ApprovalRule {
	return &repository.ApprovalRule{
		ID:           "rule-finance",
		TenantID:     "t1",
		Name:         "Finance Review",
		Description:  strPtr("Revisión de finanzas"),
		DocumentType: repository.DocumentTypePurchaseRequest,
		MinAmount:    floatPtr(10000),
		Priority:     2,
		IsActive:     true,
		Levels: []repository.ApprovalLevel{{
			ID:    "level-1",
			Name:  "Finanzas",
			Order: 1,
			Mode:  repository.ApprovalModeAny,
			Type:  repository.LevelTypeGeneral,
			Approvers: []repository.Approver{
				{UserID: strPtr("u-ana"), UserName: strPtr("Ana Pérez"), Sequence: 1},
			},
		}},
	}
}

func validDraft() RuleDraft {
	return RuleDraft{
		Name:         "Compras TI",
		DocumentType: "orden de compra",
		PurchaseType: strPtr("servicios"),
		MinAmount:    floatPtr(50000),
		MaxAmount:    floatPtr(200000),
		Levels: []LevelDraft{
			{
				Name: "Jefatura",
				Approvers: []ApproverDraft{
					{UserID: strPtr("u-1"), UserName: strPtr("Carla Rojas")},
				},
			},
			{
				Name: "Gerencia",
				Mode: "todos",
				Approvers: []ApproverDraft{
					{Role: strPtr("GERENTE")},
					{UserID: strPtr("u-2")},
				},
			},
		},
	}
}
