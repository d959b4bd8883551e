package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// RuleStore is the persistence collaborator for rules, levels and approvers.
type RuleStore interface {
	// CreateWithLevels stores the rule with its levels and approvers atomically.
	CreateWithLevels(ctx context.Context, rule *repository.ApprovalRule) error
	// FindByIDOrName resolves an exact id or a case-insensitive name substring.
	FindByIDOrName(ctx context.Context, tenantID, identifier string) (*repository.ApprovalRule, error)
	List(ctx context.Context, tenantID string, filter repository.RuleFilter) ([]*repository.ApprovalRule, error)
	// UpdateAttributes stores top-level attributes only.
	UpdateAttributes(ctx context.Context, rule *repository.ApprovalRule) error
	// DeleteCascade removes approvers, levels and the rule atomically.
	DeleteCascade(ctx context.Context, id, tenantID string) error
	CountInProgressWorkflows(ctx context.Context, ruleID string) (int, error)
}

// HistoryStore is the read-only persistence collaborator for workflow history.
type HistoryStore interface {
	ListCompletedWorkflows(ctx context.Context, tenantID string) ([]*repository.WorkflowHistoryRecord, error)
	ListWorkflowsByRule(ctx context.Context, tenantID, ruleID string) ([]*repository.WorkflowHistoryRecord, error)
	ListEstimatedAmounts(ctx context.Context, tenantID string) ([]float64, error)
	CountByCategory(ctx context.Context, tenantID string) ([]repository.CategoryCount, error)
	CountDocuments(ctx context.Context, tenantID string, docType repository.DocumentType) (int, error)
}

// AuditLog records confirmed rule changes.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.RuleAuditEntry) error
	GetByRuleID(ctx context.Context, ruleID, tenantID string) ([]*repository.RuleAuditEntry, error)
}

// EventPublisher announces confirmed rule changes.
type EventPublisher interface {
	PublishRuleEvent(ctx context.Context, eventType string, rule *repository.ApprovalRule, actorID string)
}

// AnalysisCache stores analyzer results between requests.
type AnalysisCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}
