package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-approval-rules/internal/database"
	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
)

// ApprovalRulesRepository persists rules together with their levels and approvers.
// Every multi-table write runs in a single transaction.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	r.id, r.tenant_id, r.name, r.description, r.document_type, r.purchase_type,
	r.min_amount, r.max_amount, r.sector, r.priority, r.is_active,
	r.created_by, r.created_at, r.updated_at
`

// CreateWithLevels inserts the rule, its levels and their approvers atomically.
func (r *ApprovalRulesRepository) CreateWithLevels(ctx context.Context, rule *ApprovalRule) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		ruleQuery := `
			INSERT INTO approval_rules
			    (tenant_id, name, description, document_type, purchase_type,
			     min_amount, max_amount, sector, priority, is_active, created_by)
			VALUES ($1, $2, $3, $4::document_type, $5,
			        $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, ruleQuery,
			rule.TenantID,
			rule.Name,
			rule.Description,
			rule.DocumentType,
			rule.PurchaseType,
			rule.MinAmount,
			rule.MaxAmount,
			rule.Sector,
			rule.Priority,
			rule.IsActive,
			rule.CreatedBy,
		).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval rule")
		}

		levelQuery := `
			INSERT INTO approval_levels
			    (rule_id, name, level_order, approval_mode, level_type)
			VALUES ($1, $2, $3, $4::approval_mode, $5::level_type)
			RETURNING id
		`
		approverQuery := `
			INSERT INTO approval_level_approvers
			    (level_id, user_id, role_name, sequence)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`

		for i := range rule.Levels {
			level := &rule.Levels[i]
			level.RuleID = rule.ID
			err := tx.QueryRow(ctx, levelQuery,
				level.RuleID,
				level.Name,
				level.Order,
				level.Mode,
				level.Type,
			).Scan(&level.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval level")
			}

			for j := range level.Approvers {
				approver := &level.Approvers[j]
				approver.LevelID = level.ID
				err := tx.QueryRow(ctx, approverQuery,
					approver.LevelID,
					approver.UserID,
					approver.Role,
					approver.Sequence,
				).Scan(&approver.ID)
				if err != nil {
					return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approver")
				}
			}
		}
		return nil
	})
}

// GetByID retrieves a rule with its levels.
func (r *ApprovalRulesRepository) GetByID(ctx context.Context, id, tenantID string) (*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM approval_rules r
		WHERE r.id::text = $1 AND r.tenant_id = $2
	`
	rule, err := scanRule(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval rule")
	}
	if err := r.loadLevels(ctx, []*ApprovalRule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

// FindByIDOrName resolves a rule by exact id or, failing that, by
// case-insensitive substring match on the name. Among several name matches the
// highest-priority rule wins, then the alphabetically first name.
func (r *ApprovalRulesRepository) FindByIDOrName(ctx context.Context, tenantID, identifier string) (*ApprovalRule, error) {
	rule, err := r.GetByID(ctx, identifier, tenantID)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + `
		FROM approval_rules r
		WHERE r.tenant_id = $1 AND r.name ILIKE $2 ESCAPE '\'
		ORDER BY r.priority DESC, r.name ASC
		LIMIT 1
	`
	rule, err = scanRule(r.db.QueryRow(ctx, query, tenantID, "%"+escapeLike(identifier)+"%"))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", identifier)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find approval rule")
	}
	if err := r.loadLevels(ctx, []*ApprovalRule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns the tenant's rules, active first then by descending priority.
func (r *ApprovalRulesRepository) List(ctx context.Context, tenantID string, filter RuleFilter) ([]*ApprovalRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM approval_rules r
		WHERE r.tenant_id = $1
	`
	args := []any{tenantID}
	if filter.DocumentType != nil {
		args = append(args, *filter.DocumentType)
		query += " AND r.document_type = $2::document_type"
	}
	if filter.ActiveOnly {
		query += " AND r.is_active = TRUE"
	}
	query += " ORDER BY r.is_active DESC, r.priority DESC, r.name ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}

	if err := r.loadLevels(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// UpdateAttributes persists the top-level attributes of a rule. Levels and
// approvers are left untouched.
func (r *ApprovalRulesRepository) UpdateAttributes(ctx context.Context, rule *ApprovalRule) error {
	query := `
		UPDATE approval_rules
		SET name          = $3,
		    description   = $4,
		    document_type = $5::document_type,
		    purchase_type = $6,
		    min_amount    = $7,
		    max_amount    = $8,
		    sector        = $9,
		    priority      = $10,
		    is_active     = $11,
		    updated_at    = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		rule.Description,
		rule.DocumentType,
		rule.PurchaseType,
		rule.MinAmount,
		rule.MaxAmount,
		rule.Sector,
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

// DeleteCascade removes approvers, then levels, then the rule, in one transaction.
func (r *ApprovalRulesRepository) DeleteCascade(ctx context.Context, id, tenantID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM approval_level_approvers
			WHERE level_id IN (
			    SELECT l.id FROM approval_levels l
			    JOIN approval_rules r ON r.id = l.rule_id
			    WHERE r.id = $1 AND r.tenant_id = $2
			)
		`, id, tenantID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approvers")
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM approval_levels
			WHERE rule_id IN (
			    SELECT id FROM approval_rules WHERE id = $1 AND tenant_id = $2
			)
		`, id, tenantID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval levels")
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM approval_rules
			WHERE id = $1 AND tenant_id = $2
		`, id, tenantID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval rule")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("approval_rule", id)
		}
		return nil
	})
}

// CountInProgressWorkflows counts workflows still running against the rule.
func (r *ApprovalRulesRepository) CountInProgressWorkflows(ctx context.Context, ruleID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM approval_workflows
		WHERE rule_id = $1 AND status = 'IN_PROGRESS'
	`
	var count int
	if err := r.db.QueryRow(ctx, query, ruleID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count in-progress workflows")
	}
	return count, nil
}

// ── level loading ────────────────────────────────────────────────────────────

// loadLevels attaches levels (ordered by level_order) and approvers (ordered
// by sequence) to the given rules with two queries.
func (r *ApprovalRulesRepository) loadLevels(ctx context.Context, rules []*ApprovalRule) error {
	if len(rules) == 0 {
		return nil
	}
	byID := make(map[string]*ApprovalRule, len(rules))
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
		ids = append(ids, rule.ID)
		rule.Levels = nil
	}

	levelRows, err := r.db.Query(ctx, `
		SELECT id, rule_id, name, level_order, approval_mode, level_type
		FROM approval_levels
		WHERE rule_id::text = ANY($1)
		ORDER BY rule_id, level_order ASC
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval levels")
	}
	type levelRef struct {
		rule  *ApprovalRule
		index int
	}
	levels := make(map[string]levelRef)
	levelIDs := make([]string, 0)
	for levelRows.Next() {
		var lvl ApprovalLevel
		if err := levelRows.Scan(&lvl.ID, &lvl.RuleID, &lvl.Name, &lvl.Order, &lvl.Mode, &lvl.Type); err != nil {
			levelRows.Close()
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval level")
		}
		rule := byID[lvl.RuleID]
		if rule == nil {
			continue
		}
		rule.Levels = append(rule.Levels, lvl)
		levels[lvl.ID] = levelRef{rule: rule, index: len(rule.Levels) - 1}
		levelIDs = append(levelIDs, lvl.ID)
	}
	levelRows.Close()
	if err := levelRows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval levels")
	}
	if len(levelIDs) == 0 {
		return nil
	}

	approverRows, err := r.db.Query(ctx, `
		SELECT a.id, a.level_id, a.user_id, u.full_name, a.role_name, a.sequence
		FROM approval_level_approvers a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.level_id::text = ANY($1)
		ORDER BY a.level_id, a.sequence ASC
	`, levelIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approvers")
	}
	defer approverRows.Close()

	for approverRows.Next() {
		var a Approver
		if err := approverRows.Scan(&a.ID, &a.LevelID, &a.UserID, &a.UserName, &a.Role, &a.Sequence); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		ref, ok := levels[a.LevelID]
		if !ok {
			continue
		}
		lvl := &ref.rule.Levels[ref.index]
		lvl.Approvers = append(lvl.Approvers, a)
	}
	if err := approverRows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approvers")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var createdBy *string
	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&rule.Description,
		&rule.DocumentType,
		&rule.PurchaseType,
		&rule.MinAmount,
		&rule.MaxAmount,
		&rule.Sector,
		&rule.Priority,
		&rule.IsActive,
		&createdBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdBy != nil {
		rule.CreatedBy = *createdBy
	}
	return rule, nil
}

// escapeLike neutralises LIKE wildcards in user-supplied substrings.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
