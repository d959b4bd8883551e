package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// ListRules returns the tenant's rules, active first and then by descending
// priority, optionally narrowed to one document type.
func (s *RuleLifecycleService) ListRules(ctx context.Context, tenantID string, documentType *string) Result {
	filter := repository.RuleFilter{}
	if documentType != nil && strings.TrimSpace(*documentType) != "" {
		dt := classifyDocumentType(*documentType)
		filter.DocumentType = &dt
	}

	rules, err := s.rules.List(ctx, tenantID, filter)
	if err != nil {
		return s.internalFailure("listar las reglas", err, nil)
	}
	sortRules(rules)

	if len(rules) == 0 {
		if filter.DocumentType != nil {
			return ok(fmt.Sprintf("No hay reglas de aprobación configuradas para %s.", filter.DocumentType.Label()), rules)
		}
		return ok("No hay reglas de aprobación configuradas.", rules)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reglas de aprobación (%d):\n", len(rules))
	for i, rule := range rules {
		fmt.Fprintf(&b, "\n%d. %s [%s] - %s, prioridad %d\n",
			i+1, rule.Name, formatActive(rule.IsActive), rule.DocumentType.Label(), rule.Priority)
		fmt.Fprintf(&b, "   Condiciones: %s\n", describeConditions(rule))
		for _, level := range rule.Levels {
			fmt.Fprintf(&b, "   Nivel %d - %s: %s\n", level.Order, level.Name, approverNames(level))
		}
	}
	return ok(strings.TrimRight(b.String(), "\n"), rules)
}

// ExplainRule explains a single rule, or every active rule when identifier
// is empty.
func (s *RuleLifecycleService) ExplainRule(ctx context.Context, tenantID, identifier string) Result {
	if strings.TrimSpace(identifier) != "" {
		rule, res, found := s.resolveRule(ctx, tenantID, identifier)
		if !found {
			return res
		}
		sortRules([]*repository.ApprovalRule{rule})
		return ok(strings.TrimRight(explainRuleText(rule), "\n"), rule)
	}

	rules, err := s.rules.List(ctx, tenantID, repository.RuleFilter{ActiveOnly: true})
	if err != nil {
		return s.internalFailure("explicar las reglas", err, nil)
	}
	if len(rules) == 0 {
		return ok("No hay reglas de aprobación activas. Todos los documentos siguen el flujo por defecto.", rules)
	}
	sortRules(rules)

	texts := make([]string, 0, len(rules))
	for _, rule := range rules {
		texts = append(texts, strings.TrimRight(explainRuleText(rule), "\n"))
	}
	header := fmt.Sprintf("Hay %d regla(s) activa(s), evaluadas por prioridad:\n\n", len(rules))
	return ok(header+strings.Join(texts, "\n\n"), rules)
}

// sortRules orders rules active first, then by descending priority and name,
// and each rule's levels by order.
func sortRules(rules []*repository.ApprovalRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.IsActive != b.IsActive {
			return a.IsActive
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Name < b.Name
	})
	for _, rule := range rules {
		sort.SliceStable(rule.Levels, func(i, j int) bool {
			return rule.Levels[i].Order < rule.Levels[j].Order
		})
	}
}
