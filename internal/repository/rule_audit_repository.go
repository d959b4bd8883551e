package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-ap-approval-rules/internal/database"
	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
)

// RuleAuditRepository appends and reads immutable rule-change audit entries.
type RuleAuditRepository struct {
	db *database.DB
}

// NewRuleAuditRepository creates a new RuleAuditRepository.
func NewRuleAuditRepository(db *database.DB) *RuleAuditRepository {
	return &RuleAuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger so
// this is the only mutation operation exposed.
func (r *RuleAuditRepository) Append(ctx context.Context, entry *RuleAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_rule_audit_log
		    (rule_id, tenant_id, action, performed_by, original_text, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.RuleID,
		entry.TenantID,
		entry.Action,
		entry.PerformedBy,
		entry.OriginalText,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append rule audit entry")
	}
	return nil
}

// GetByRuleID returns the audit trail of a rule ordered oldest-first.
func (r *RuleAuditRepository) GetByRuleID(ctx context.Context, ruleID, tenantID string) ([]*RuleAuditEntry, error) {
	query := `
		SELECT id, rule_id, tenant_id, action, performed_by, performed_at,
		       original_text, metadata
		FROM approval_rule_audit_log
		WHERE rule_id = $1 AND tenant_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, ruleID, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get rule audit log")
	}
	defer rows.Close()

	var entries []*RuleAuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get rule audit log")
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(sc auditScanner) (*RuleAuditEntry, error) {
	entry := &RuleAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RuleID,
		&entry.TenantID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.OriginalText,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}
