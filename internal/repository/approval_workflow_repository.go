package repository

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ap-approval-rules/internal/database"
	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
)

// WorkflowHistoryRepository reads workflow history and document aggregates.
// It never writes; workflows are owned by the routing engine.
type WorkflowHistoryRepository struct {
	db *database.DB
}

// NewWorkflowHistoryRepository creates a new WorkflowHistoryRepository.
func NewWorkflowHistoryRepository(db *database.DB) *WorkflowHistoryRepository {
	return &WorkflowHistoryRepository{db: db}
}

const workflowColumns = `
	w.id, w.tenant_id, w.rule_id, w.status, w.created_at, w.completed_at
`

// ListCompletedWorkflows returns every approved or rejected workflow of a tenant.
func (r *WorkflowHistoryRepository) ListCompletedWorkflows(ctx context.Context, tenantID string) ([]*WorkflowHistoryRecord, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.tenant_id = $1
		  AND w.status IN ('APPROVED', 'REJECTED')
		ORDER BY w.created_at ASC
	`
	return r.listWithDecisions(ctx, query, tenantID)
}

// ListWorkflowsByRule returns every workflow of the tenant evaluated against a rule.
func (r *WorkflowHistoryRepository) ListWorkflowsByRule(ctx context.Context, tenantID, ruleID string) ([]*WorkflowHistoryRecord, error) {
	query := `SELECT ` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.rule_id = $1 AND w.tenant_id = $2
		ORDER BY w.created_at ASC
	`
	return r.listWithDecisions(ctx, query, ruleID, tenantID)
}

// ListEstimatedAmounts returns the estimated amounts of the tenant's purchase requests.
func (r *WorkflowHistoryRepository) ListEstimatedAmounts(ctx context.Context, tenantID string) ([]float64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT estimated_amount
		FROM purchase_requests
		WHERE tenant_id = $1 AND estimated_amount IS NOT NULL
	`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list estimated amounts")
	}
	defer rows.Close()

	var amounts []float64
	for rows.Next() {
		var amount float64
		if err := rows.Scan(&amount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan estimated amount")
		}
		amounts = append(amounts, amount)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list estimated amounts")
	}
	return amounts, nil
}

// CountByCategory groups the tenant's purchase requests by category label,
// most frequent first.
func (r *WorkflowHistoryRepository) CountByCategory(ctx context.Context, tenantID string) ([]CategoryCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT COALESCE(category, 'Sin categoría') AS category, COUNT(*)
		FROM purchase_requests
		WHERE tenant_id = $1
		GROUP BY 1
		ORDER BY 2 DESC, 1 ASC
	`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count categories")
	}
	defer rows.Close()

	var counts []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan category count")
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count categories")
	}
	return counts, nil
}

// documentTables maps each classifier to the table holding its documents.
var documentTables = map[DocumentType]string{
	DocumentTypePurchaseRequest: "purchase_requests",
	DocumentTypePurchaseOrder:   "purchase_orders",
	DocumentTypeInvoice:         "invoices",
}

// CountDocuments counts the tenant's documents of one type.
func (r *WorkflowHistoryRepository) CountDocuments(ctx context.Context, tenantID string, docType DocumentType) (int, error) {
	table, ok := documentTables[docType]
	if !ok {
		return 0, errors.InvalidInput("document_type", fmt.Sprintf("unknown document type %q", docType))
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1`, table)
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count documents")
	}
	return count, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (r *WorkflowHistoryRepository) listWithDecisions(ctx context.Context, query string, args ...any) ([]*WorkflowHistoryRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}

	var workflows []*WorkflowHistoryRecord
	byID := make(map[string]*WorkflowHistoryRecord)
	ids := make([]string, 0)
	for rows.Next() {
		wf := &WorkflowHistoryRecord{}
		if err := rows.Scan(&wf.ID, &wf.TenantID, &wf.RuleID, &wf.Status, &wf.CreatedAt, &wf.CompletedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
		byID[wf.ID] = wf
		ids = append(ids, wf.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	if len(ids) == 0 {
		return workflows, nil
	}

	decisionRows, err := r.db.Query(ctx, `
		SELECT d.workflow_id, d.decider_id, COALESCE(u.full_name, d.decider_id),
		       d.decision, d.created_at, d.decided_at
		FROM approval_workflow_decisions d
		LEFT JOIN users u ON u.id = d.decider_id
		WHERE d.workflow_id::text = ANY($1)
		ORDER BY d.created_at ASC
	`, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow decisions")
	}
	defer decisionRows.Close()

	for decisionRows.Next() {
		var workflowID string
		var d ApprovalDecision
		if err := decisionRows.Scan(&workflowID, &d.DeciderID, &d.DeciderName, &d.Decision, &d.CreatedAt, &d.DecidedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow decision")
		}
		if wf, ok := byID[workflowID]; ok {
			wf.Decisions = append(wf.Decisions, d)
		}
	}
	if err := decisionRows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow decisions")
	}
	return workflows, nil
}
