package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-ap-approval-rules/internal/client"
	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/pending"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// RuleLifecycleService runs the two-phase propose/confirm protocol for
// creating, modifying and deleting approval rules.
//
// Prepare operations validate and stage a change in the pending store and
// return a preview plus token. Confirm operations authorize the caller
// against the staged owner and tenant, claim the token, and only then commit
// through the RuleStore. A failed commit puts the action back so the user
// can retry within the same window.
type RuleLifecycleService struct {
	rules    RuleStore
	pending  *pending.Store
	analyzer *PatternAnalyzer
	audit    AuditLog
	events   EventPublisher
	log      *logger.Logger
}

// NewRuleLifecycleService creates a new RuleLifecycleService. audit and
// events may be nil.
func NewRuleLifecycleService(
	rules RuleStore,
	store *pending.Store,
	analyzer *PatternAnalyzer,
	audit AuditLog,
	events EventPublisher,
	log *logger.Logger,
) *RuleLifecycleService {
	return &RuleLifecycleService{
		rules:    rules,
		pending:  store,
		analyzer: analyzer,
		audit:    audit,
		events:   events,
		log:      log,
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

// PrepareCreate validates a draft and stages it for confirmation.
func (s *RuleLifecycleService) PrepareCreate(
	ctx context.Context,
	draft RuleDraft,
	userID, tenantID, originalText string,
) Result {
	rule, verr := normalizeDraft(draft, tenantID)
	if verr != nil {
		return fail(verr.kind, verr.message)
	}

	action := s.pending.Put(pending.Action{
		Kind:         pending.KindCreate,
		UserID:       userID,
		TenantID:     tenantID,
		Rule:         rule,
		OriginalText: originalText,
	})

	s.log.Info().
		Str("token", action.Token).
		Str("tenant_id", tenantID).
		Str("user_id", userID).
		Str("rule_name", rule.Name).
		Msg("Rule creation staged")

	return needsConfirmation(createPreview(rule, s.pending), action.Token, rule)
}

// ConfirmCreate commits a staged rule with its levels and approvers.
func (s *RuleLifecycleService) ConfirmCreate(ctx context.Context, token, userID, tenantID string) Result {
	action, res, claimed := s.claim(token, userID, tenantID, pending.KindCreate)
	if !claimed {
		return res
	}

	rule := action.Rule.Clone()
	rule.CreatedBy = userID
	if err := s.rules.CreateWithLevels(ctx, rule); err != nil {
		s.pending.Restore(action)
		return s.internalFailure("crear la regla", err, action)
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("tenant_id", tenantID).
		Int("levels", len(rule.Levels)).
		Msg("Approval rule created")

	s.afterCommit(ctx, client.EventRuleCreated, rule, action, nil)
	return ok(fmt.Sprintf("Regla \"%s\" creada exitosamente con %d nivel(es) de aprobación.", rule.Name, len(rule.Levels)), rule)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel discards a staged action owned by the caller. Unknown, expired,
// already resolved or foreign tokens are a successful no-op.
func (s *RuleLifecycleService) Cancel(ctx context.Context, token, userID, tenantID string) Result {
	action, found := s.pending.Get(token)
	if !found || !action.OwnedBy(userID, tenantID) {
		return ok("No hay ninguna acción pendiente que cancelar.", nil)
	}
	if _, taken := s.pending.Take(token); !taken {
		return ok("No hay ninguna acción pendiente que cancelar.", nil)
	}

	s.log.Info().
		Str("token", token).
		Str("kind", string(action.Kind)).
		Str("user_id", userID).
		Msg("Pending rule action cancelled")

	return ok(fmt.Sprintf("Acción cancelada. No se aplicó ningún cambio a la regla \"%s\".", action.Rule.Name), nil)
}

// ── Modify ────────────────────────────────────────────────────────────────────

// PrepareModify resolves an existing rule, merges the partial changes and
// stages the result with a diff preview.
func (s *RuleLifecycleService) PrepareModify(
	ctx context.Context,
	identifier string,
	changes RuleChanges,
	userID, tenantID, originalText string,
) Result {
	existing, res, found := s.resolveRule(ctx, tenantID, identifier)
	if !found {
		return res
	}

	merged, verr := mergeChanges(existing, changes)
	if verr != nil {
		return fail(verr.kind, verr.message)
	}
	diff := diffRules(existing, merged)

	action := s.pending.Put(pending.Action{
		Kind:         pending.KindModify,
		UserID:       userID,
		TenantID:     tenantID,
		Rule:         merged,
		Original:     existing,
		Changes:      diff,
		OriginalText: originalText,
	})

	s.log.Info().
		Str("token", action.Token).
		Str("rule_id", existing.ID).
		Int("changes", len(diff)).
		Msg("Rule modification staged")

	return needsConfirmation(modifyPreview(existing, diff, s.pending), action.Token, map[string]any{
		"rule":    merged,
		"changes": diff,
	})
}

// ConfirmModify commits the staged top-level attributes. Levels and
// approvers are not replaced by a modification.
func (s *RuleLifecycleService) ConfirmModify(ctx context.Context, token, userID, tenantID string) Result {
	action, res, claimed := s.claim(token, userID, tenantID, pending.KindModify)
	if !claimed {
		return res
	}

	rule := action.Rule.Clone()
	if err := s.rules.UpdateAttributes(ctx, rule); err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return fail(ErrRuleNotFound, fmt.Sprintf("La regla \"%s\" ya no existe.", rule.Name))
		}
		s.pending.Restore(action)
		return s.internalFailure("modificar la regla", err, action)
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("tenant_id", tenantID).
		Int("changes", len(action.Changes)).
		Msg("Approval rule modified")

	s.afterCommit(ctx, client.EventRuleModified, rule, action, map[string]any{"changes": action.Changes})
	return ok(fmt.Sprintf("Regla \"%s\" actualizada exitosamente.", rule.Name), rule)
}

// ── Delete ────────────────────────────────────────────────────────────────────

// PrepareDelete resolves a rule and stages its deletion. In-progress
// workflows produce a warning but never block the deletion.
func (s *RuleLifecycleService) PrepareDelete(ctx context.Context, identifier, userID, tenantID, originalText string) Result {
	rule, res, found := s.resolveRule(ctx, tenantID, identifier)
	if !found {
		return res
	}

	inProgress, err := s.rules.CountInProgressWorkflows(ctx, rule.ID)
	if err != nil {
		return s.internalFailure("preparar la eliminación", err, nil)
	}

	action := s.pending.Put(pending.Action{
		Kind:                pending.KindDelete,
		UserID:              userID,
		TenantID:            tenantID,
		Rule:                rule,
		Original:            rule,
		InProgressWorkflows: inProgress,
		OriginalText:        originalText,
	})

	s.log.Info().
		Str("token", action.Token).
		Str("rule_id", rule.ID).
		Int("in_progress_workflows", inProgress).
		Msg("Rule deletion staged")

	return needsConfirmation(deletePreview(rule, inProgress, s.pending), action.Token, map[string]any{
		"rule":                rule,
		"inProgressWorkflows": inProgress,
	})
}

// ConfirmDelete removes the rule, its levels and approvers atomically.
func (s *RuleLifecycleService) ConfirmDelete(ctx context.Context, token, userID, tenantID string) Result {
	action, res, claimed := s.claim(token, userID, tenantID, pending.KindDelete)
	if !claimed {
		return res
	}

	rule := action.Rule
	if err := s.rules.DeleteCascade(ctx, rule.ID, tenantID); err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return fail(ErrRuleNotFound, fmt.Sprintf("La regla \"%s\" ya no existe.", rule.Name))
		}
		s.pending.Restore(action)
		return s.internalFailure("eliminar la regla", err, action)
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("tenant_id", tenantID).
		Int("in_progress_workflows", action.InProgressWorkflows).
		Msg("Approval rule deleted")

	s.afterCommit(ctx, client.EventRuleDeleted, rule, action, map[string]any{
		"in_progress_workflows": action.InProgressWorkflows,
	})
	return ok(fmt.Sprintf("Regla \"%s\" eliminada exitosamente.", rule.Name), map[string]any{
		"id":   rule.ID,
		"name": rule.Name,
	})
}

// Confirm dispatches to the confirm operation matching the staged kind.
func (s *RuleLifecycleService) Confirm(ctx context.Context, token, userID, tenantID string) Result {
	action, found := s.pending.Get(token)
	if !found {
		return pendingNotFound()
	}
	switch action.Kind {
	case pending.KindCreate:
		return s.ConfirmCreate(ctx, token, userID, tenantID)
	case pending.KindModify:
		return s.ConfirmModify(ctx, token, userID, tenantID)
	case pending.KindDelete:
		return s.ConfirmDelete(ctx, token, userID, tenantID)
	}
	return pendingNotFound()
}

// ── Pending ───────────────────────────────────────────────────────────────────

// GetPendingForUser returns a snapshot of the user's unexpired staged actions.
func (s *RuleLifecycleService) GetPendingForUser(ctx context.Context, userID string) Result {
	actions := s.pending.ForUser(userID)
	if len(actions) == 0 {
		return ok("No tienes acciones pendientes de confirmación.", actions)
	}
	return ok(fmt.Sprintf("Tienes %d acción(es) pendiente(s) de confirmación.", len(actions)), actions)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// GetRuleAudit returns the audit trail of a rule.
func (s *RuleLifecycleService) GetRuleAudit(ctx context.Context, tenantID, identifier string) Result {
	if s.audit == nil {
		return ok("El registro de auditoría no está habilitado.", nil)
	}
	rule, res, found := s.resolveRule(ctx, tenantID, identifier)
	if !found {
		return res
	}
	entries, err := s.audit.GetByRuleID(ctx, rule.ID, tenantID)
	if err != nil {
		return s.internalFailure("consultar la auditoría", err, nil)
	}
	return ok(fmt.Sprintf("La regla \"%s\" tiene %d cambio(s) registrado(s).", rule.Name, len(entries)), entries)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func pendingNotFound() Result {
	return fail(ErrPendingRuleNotFound, "No se encontró la acción pendiente. Puede haber expirado o ya fue procesada.")
}

// claim authorizes the caller against a staged action and removes it from
// the store. Only one caller can claim a token. Authorization is checked
// before anything is committed.
func (s *RuleLifecycleService) claim(token, userID, tenantID string, kind pending.Kind) (*pending.Action, Result, bool) {
	action, found := s.pending.Get(token)
	if !found || action.Kind != kind {
		return nil, pendingNotFound(), false
	}
	if !action.OwnedBy(userID, tenantID) {
		s.log.Warn().
			Str("token", token).
			Str("user_id", userID).
			Str("tenant_id", tenantID).
			Msg("Unauthorized pending action confirmation")
		return nil, fail(ErrUnauthorized, "No tienes permiso para confirmar esta acción."), false
	}
	claimed, taken := s.pending.Take(token)
	if !taken {
		return nil, pendingNotFound(), false
	}
	return claimed, Result{}, true
}

// resolveRule finds a rule by id or name, mapping failures to results.
func (s *RuleLifecycleService) resolveRule(ctx context.Context, tenantID, identifier string) (*repository.ApprovalRule, Result, bool) {
	rule, err := s.rules.FindByIDOrName(ctx, tenantID, identifier)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			return nil, fail(ErrRuleNotFound, fmt.Sprintf("No se encontró una regla que coincida con \"%s\".", identifier)), false
		}
		return nil, s.internalFailure("buscar la regla", err, nil), false
	}
	return rule, Result{}, true
}

// internalFailure logs err with context and wraps it in a generic failure.
func (s *RuleLifecycleService) internalFailure(operation string, err error, action *pending.Action) Result {
	ev := s.log.Error().Err(err).Str("operation", operation)
	if action != nil {
		ev = ev.Str("token", action.Token).Str("tenant_id", action.TenantID)
	}
	ev.Msg("Rule lifecycle operation failed")
	return fail(ErrInternal, fmt.Sprintf("Error al %s: %v", operation, err))
}

// afterCommit writes the audit entry and publishes the rule event. Both are
// best-effort and never fail the confirmation.
func (s *RuleLifecycleService) afterCommit(
	ctx context.Context,
	eventType string,
	rule *repository.ApprovalRule,
	action *pending.Action,
	metadata map[string]any,
) {
	if s.audit != nil {
		entry := &repository.RuleAuditEntry{
			RuleID:      rule.ID,
			TenantID:    action.TenantID,
			Action:      eventType,
			PerformedBy: action.UserID,
			Metadata:    metadata,
		}
		if action.OriginalText != "" {
			text := action.OriginalText
			entry.OriginalText = &text
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			s.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("action", eventType).
				Msg("Failed to write rule audit entry")
		}
	}
	if s.events != nil {
		s.events.PublishRuleEvent(ctx, eventType, rule, action.UserID)
	}
}
