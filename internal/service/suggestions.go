package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

const maxSuggestions = 5

// SuggestionType names the signal a suggestion was derived from.
type SuggestionType string

const (
	SuggestionFrequentApprover      SuggestionType = "frequent_approver"
	SuggestionHighAmount            SuggestionType = "high_amount"
	SuggestionCoverageGap           SuggestionType = "coverage_gap"
	SuggestionCategoryConcentration SuggestionType = "category_concentration"
)

// Fixed confidences of the non-volume signals.
const (
	confidenceCoverageGap   = 90
	confidenceHighAmount    = 75
	confidenceCategoryFocus = 65
)

// RuleSuggestion is a ranked recommendation. SuggestedRule is a partial
// draft; approvers are filled in only when the signal names one.
type RuleSuggestion struct {
	Type          SuggestionType `json:"type"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Confidence    float64        `json:"confidence"`
	Reason        string         `json:"reason"`
	SuggestedRule *RuleDraft     `json:"suggestedRule,omitempty"`
}

// GenerateRuleSuggestions combines approval patterns and coverage gaps into
// at most five suggestions ordered by descending confidence.
func (a *PatternAnalyzer) GenerateRuleSuggestions(ctx context.Context, tenantID string) ([]RuleSuggestion, error) {
	var (
		patterns *ApprovalPatterns
		gaps     []CoverageGap
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		patterns, err = a.AnalyzeApprovalPatterns(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		gaps, err = a.DetectCoverageGaps(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	suggestions := rankSuggestions(patterns, gaps)

	a.log.Debug().
		Str("tenant_id", tenantID).
		Int("suggestions", len(suggestions)).
		Int("gaps", len(gaps)).
		Msg("Rule suggestions generated")

	return suggestions, nil
}

// rankSuggestions builds one suggestion per firing signal, sorts them by
// confidence keeping generation order on ties, and keeps the top five.
func rankSuggestions(patterns *ApprovalPatterns, gaps []CoverageGap) []RuleSuggestion {
	var out []RuleSuggestion

	if len(patterns.TopApprovers) > 0 && patterns.TopApprovers[0].ApprovalCount >= 5 {
		out = append(out, frequentApproverSuggestion(patterns.TopApprovers[0]))
	}

	for _, bucket := range patterns.AmountDistribution {
		if strings.Contains(bucket.Label, HighAmountMarker) && bucket.Count >= 3 {
			out = append(out, highAmountSuggestion(bucket))
			break
		}
	}

	gapSuggestions := 0
	for _, gap := range gaps {
		if gap.Type != GapNoRule {
			continue
		}
		out = append(out, coverageGapSuggestion(gap))
		gapSuggestions++
		if gapSuggestions == 2 {
			break
		}
	}

	if top, found := topCategory(patterns.CategoryBreakdown); found && top.Count >= 5 {
		out = append(out, categorySuggestion(top))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func frequentApproverSuggestion(top ApproverStat) RuleSuggestion {
	confidence := math.Min(float64(top.ApprovalCount)/10, 1) * 100
	userID, userName := top.UserID, top.Name
	return RuleSuggestion{
		Type:        SuggestionFrequentApprover,
		Title:       fmt.Sprintf("Formalizar a %s como aprobador", top.Name),
		Description: fmt.Sprintf("%s aprueba la mayoría de los documentos. Una regla explícita hace visible su rol en el flujo.", top.Name),
		Confidence:  round2(confidence),
		Reason: fmt.Sprintf("%s registró %d aprobaciones con un tiempo de respuesta promedio de %.1f horas.",
			top.Name, top.ApprovalCount, top.AverageResponseHours),
		SuggestedRule: &RuleDraft{
			Name:         "Aprobación " + top.Name,
			DocumentType: string(repository.DocumentTypePurchaseRequest),
			Levels: []LevelDraft{{
				Name:      "Aprobación principal",
				Mode:      string(repository.ApprovalModeAny),
				Approvers: []ApproverDraft{{UserID: &userID, UserName: &userName}},
			}},
		},
	}
}

func highAmountSuggestion(bucket AmountBucket) RuleSuggestion {
	var minAmount *float64
	if bucket.Min != nil {
		minAmount = floatPtr(*bucket.Min)
	}
	return RuleSuggestion{
		Type:        SuggestionHighAmount,
		Title:       "Control adicional para montos altos",
		Description: fmt.Sprintf("Agregar un nivel de aprobación de gerencia para documentos de %s.", strings.ToLower(bucket.Label)),
		Confidence:  confidenceHighAmount,
		Reason:      fmt.Sprintf("Hay %d documento(s) en el rango \"%s\".", bucket.Count, bucket.Label),
		SuggestedRule: &RuleDraft{
			Name:         "Montos altos",
			DocumentType: string(repository.DocumentTypePurchaseRequest),
			MinAmount:    minAmount,
		},
	}
}

func coverageGapSuggestion(gap CoverageGap) RuleSuggestion {
	return RuleSuggestion{
		Type:        SuggestionCoverageGap,
		Title:       fmt.Sprintf("Cubrir %s", gap.DocumentType.Label()),
		Description: gap.Suggestion,
		Confidence:  confidenceCoverageGap,
		Reason:      gap.Description,
		SuggestedRule: &RuleDraft{
			Name:         "Aprobación " + strings.ToLower(gap.DocumentType.Label()),
			DocumentType: string(gap.DocumentType),
		},
	}
}

func categorySuggestion(top repository.CategoryCount) RuleSuggestion {
	category := top.Category
	return RuleSuggestion{
		Type:        SuggestionCategoryConcentration,
		Title:       fmt.Sprintf("Regla específica para la categoría %s", top.Category),
		Description: fmt.Sprintf("La categoría %s concentra la mayor cantidad de documentos; una regla dedicada puede acelerar su aprobación.", top.Category),
		Confidence:  confidenceCategoryFocus,
		Reason:      fmt.Sprintf("%d documento(s) pertenecen a la categoría %s.", top.Count, top.Category),
		SuggestedRule: &RuleDraft{
			Name:         "Compras de " + top.Category,
			DocumentType: string(repository.DocumentTypePurchaseRequest),
			PurchaseType: &category,
		},
	}
}

func topCategory(categories []repository.CategoryCount) (repository.CategoryCount, bool) {
	var top repository.CategoryCount
	found := false
	for _, c := range categories {
		if !found || c.Count > top.Count {
			top = c
			found = true
		}
	}
	return top, found
}

// ── Lifecycle messages ───────────────────────────────────────────────────────

// BuildSuggestionsMessage renders the ranked suggestions for the tenant.
func (s *RuleLifecycleService) BuildSuggestionsMessage(ctx context.Context, tenantID string) Result {
	suggestions, err := s.analyzer.GenerateRuleSuggestions(ctx, tenantID)
	if err != nil {
		return s.internalFailure("generar sugerencias", err, nil)
	}
	if len(suggestions) == 0 {
		return ok("No encontré patrones suficientes para sugerir nuevas reglas. Tu configuración actual parece cubrir la actividad registrada.", suggestions)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Basado en el historial de aprobaciones, te sugiero %d regla(s):\n", len(suggestions))
	for i, sg := range suggestions {
		fmt.Fprintf(&b, "\n%d. %s (confianza %.0f%%)\n", i+1, sg.Title, sg.Confidence)
		fmt.Fprintf(&b, "   %s\n", sg.Description)
		fmt.Fprintf(&b, "   Motivo: %s\n", sg.Reason)
	}
	b.WriteString("\n¿Quieres que prepare alguna de estas reglas?")
	return ok(b.String(), suggestions)
}

// BuildCoverageMessage renders the coverage gaps of the tenant's active rules.
func (s *RuleLifecycleService) BuildCoverageMessage(ctx context.Context, tenantID string) Result {
	gaps, err := s.analyzer.DetectCoverageGaps(ctx, tenantID)
	if err != nil {
		return s.internalFailure("analizar la cobertura", err, nil)
	}
	if len(gaps) == 0 {
		return ok("Las reglas activas cubren todos los tipos de documento y rangos de monto configurados.", gaps)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Encontré %d brecha(s) de cobertura:\n", len(gaps))
	for _, gap := range gaps {
		fmt.Fprintf(&b, "\n• %s\n  Sugerencia: %s\n", gap.Description, gap.Suggestion)
	}
	return ok(strings.TrimRight(b.String(), "\n"), gaps)
}
