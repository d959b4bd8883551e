package service

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pesio-ai/be-ap-approval-rules/internal/pending"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

var printer = message.NewPrinter(language.Spanish)

// formatAmount renders an amount with Spanish digit grouping, e.g. $50.000.
func formatAmount(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return printer.Sprintf("$%d", int64(v))
	}
	return printer.Sprintf("$%.2f", v)
}

func formatOptionalAmount(v *float64) string {
	if v == nil {
		return "sin límite"
	}
	return formatAmount(*v)
}

func formatOptionalText(s *string) string {
	if s == nil || *s == "" {
		return "(vacío)"
	}
	return *s
}

func formatActive(active bool) string {
	if active {
		return "Activa"
	}
	return "Inactiva"
}

// describeAmountRange renders the amount clause, or "" when unbounded.
func describeAmountRange(minAmount, maxAmount *float64) string {
	switch {
	case minAmount != nil && maxAmount != nil:
		return fmt.Sprintf("monto desde %s hasta %s", formatAmount(*minAmount), formatAmount(*maxAmount))
	case minAmount != nil:
		return fmt.Sprintf("monto desde %s", formatAmount(*minAmount))
	case maxAmount != nil:
		return fmt.Sprintf("monto menor a %s", formatAmount(*maxAmount))
	}
	return ""
}

// describeConditions composes the applicability clause of a rule.
func describeConditions(rule *repository.ApprovalRule) string {
	var parts []string
	if amount := describeAmountRange(rule.MinAmount, rule.MaxAmount); amount != "" {
		parts = append(parts, amount)
	}
	if rule.PurchaseType != nil {
		parts = append(parts, "compras de "+purchaseTypeLabel(*rule.PurchaseType))
	}
	if rule.Sector != nil {
		parts = append(parts, "sector "+*rule.Sector)
	}
	if len(parts) == 0 {
		return "aplica a todos los documentos"
	}
	return strings.Join(parts, ", ")
}

func approverNames(level repository.ApprovalLevel) string {
	names := make([]string, 0, len(level.Approvers))
	for _, a := range level.Approvers {
		names = append(names, a.DisplayName())
	}
	return strings.Join(names, ", ")
}

func modeShort(mode repository.ApprovalMode) string {
	if mode == repository.ApprovalModeAll {
		return "todos deben aprobar"
	}
	return "basta una aprobación"
}

// describeLevelsShort lists levels on one line each, for previews.
func describeLevelsShort(rule *repository.ApprovalRule) string {
	var b strings.Builder
	for _, level := range rule.Levels {
		fmt.Fprintf(&b, "%d. %s (%s): %s", level.Order, level.Name, modeShort(level.Mode), approverNames(level))
		if level.Type == repository.LevelTypeSpecifications {
			b.WriteString(" [aprobación de especificaciones]")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// describeLevelProse spells out how a level is settled.
func describeLevelProse(level repository.ApprovalLevel) string {
	names := approverNames(level)
	var sentence string
	switch {
	case len(level.Approvers) == 1:
		sentence = fmt.Sprintf("debe aprobar %s", names)
	case level.Mode == repository.ApprovalModeAll:
		sentence = fmt.Sprintf("deben aprobar todos: %s. El nivel se completa cuando cada uno ha decidido", names)
	default:
		sentence = fmt.Sprintf("puede aprobar cualquiera de: %s. La primera decisión resuelve el nivel", names)
	}
	text := fmt.Sprintf("Nivel %d - %s: %s.", level.Order, level.Name, sentence)
	if level.Type == repository.LevelTypeSpecifications {
		text += " Este nivel aprueba las especificaciones del documento."
	}
	return text
}

// explainRuleText renders the full explanation of a rule.
func explainRuleText(rule *repository.ApprovalRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Regla \"%s\" (%s, prioridad %d)\n", rule.Name, strings.ToLower(formatActive(rule.IsActive)), rule.Priority)
	if rule.Description != nil {
		fmt.Fprintf(&b, "%s\n", *rule.Description)
	}
	fmt.Fprintf(&b, "Aplica a: %s; %s.\n", rule.DocumentType.Label(), describeConditions(rule))
	if len(rule.Levels) == 0 {
		b.WriteString("No tiene niveles de aprobación configurados.\n")
		return b.String()
	}
	for _, level := range rule.Levels {
		b.WriteString(describeLevelProse(level))
		b.WriteString("\n")
	}
	return b.String()
}

// ── previews ────────────────────────────────────────────────────────────────

func expiryNotice(store *pending.Store) string {
	minutes := int(store.TTL().Minutes())
	if minutes == 1 {
		return "La confirmación expira en 1 minuto."
	}
	return fmt.Sprintf("La confirmación expira en %d minutos.", minutes)
}

func createPreview(rule *repository.ApprovalRule, store *pending.Store) string {
	var b strings.Builder
	b.WriteString("Vista previa de la nueva regla de aprobación\n\n")
	fmt.Fprintf(&b, "Nombre: %s\n", rule.Name)
	if rule.Description != nil {
		fmt.Fprintf(&b, "Descripción: %s\n", *rule.Description)
	}
	fmt.Fprintf(&b, "Aplica a: %s\n", rule.DocumentType.Label())
	fmt.Fprintf(&b, "Condiciones: %s\n", describeConditions(rule))
	fmt.Fprintf(&b, "Prioridad: %d\n", rule.Priority)
	fmt.Fprintf(&b, "Estado: %s\n\n", formatActive(rule.IsActive))
	b.WriteString("Niveles de aprobación:\n")
	b.WriteString(describeLevelsShort(rule))
	b.WriteString("\n¿Confirmas la creación de esta regla? ")
	b.WriteString(expiryNotice(store))
	return b.String()
}

func modifyPreview(original *repository.ApprovalRule, changes []pending.FieldChange, store *pending.Store) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cambios propuestos para la regla \"%s\":\n", original.Name)
	if len(changes) == 0 {
		b.WriteString("Sin cambios respecto a la configuración actual.\n")
	}
	for _, c := range changes {
		fmt.Fprintf(&b, "• %s: %s → %s\n", c.Label, c.OldValue, c.NewValue)
	}
	b.WriteString("\n¿Confirmas la modificación? ")
	b.WriteString(expiryNotice(store))
	return b.String()
}

func deletePreview(rule *repository.ApprovalRule, inProgress int, store *pending.Store) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Se eliminará la regla \"%s\" (%s; %s) con %d nivel(es) de aprobación.\n",
		rule.Name, rule.DocumentType.Label(), describeConditions(rule), len(rule.Levels))
	if inProgress > 0 {
		fmt.Fprintf(&b, "\nAdvertencia: hay %d flujo(s) de aprobación en curso que usan esta regla. "+
			"Seguirán su curso hasta completarse; la regla dejará de aplicarse a nuevos documentos.\n", inProgress)
	}
	b.WriteString("\n¿Confirmas la eliminación? ")
	b.WriteString(expiryNotice(store))
	return b.String()
}

// diffRules lists the attributes that differ between two versions of a rule.
// Amounts are compared by value; two amounts may render alike and still differ.
func diffRules(before, after *repository.ApprovalRule) []pending.FieldChange {
	var changes []pending.FieldChange
	add := func(field, label, oldValue, newValue string) {
		if oldValue != newValue {
			changes = append(changes, pending.FieldChange{Field: field, Label: label, OldValue: oldValue, NewValue: newValue})
		}
	}
	addAmount := func(field, label string, oldValue, newValue *float64) {
		if !sameAmount(oldValue, newValue) {
			changes = append(changes, pending.FieldChange{
				Field:    field,
				Label:    label,
				OldValue: formatOptionalAmount(oldValue),
				NewValue: formatOptionalAmount(newValue),
			})
		}
	}
	add("name", "Nombre", before.Name, after.Name)
	add("description", "Descripción", formatOptionalText(before.Description), formatOptionalText(after.Description))
	add("documentType", "Tipo de documento", before.DocumentType.Label(), after.DocumentType.Label())
	add("purchaseType", "Tipo de compra", formatOptionalText(before.PurchaseType), formatOptionalText(after.PurchaseType))
	addAmount("minAmount", "Monto mínimo", before.MinAmount, after.MinAmount)
	addAmount("maxAmount", "Monto máximo", before.MaxAmount, after.MaxAmount)
	add("sector", "Sector", formatOptionalText(before.Sector), formatOptionalText(after.Sector))
	add("priority", "Prioridad", fmt.Sprint(before.Priority), fmt.Sprint(after.Priority))
	add("isActive", "Estado", formatActive(before.IsActive), formatActive(after.IsActive))
	return changes
}

func sameAmount(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
