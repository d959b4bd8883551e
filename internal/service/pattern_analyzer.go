package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-ap-approval-rules/internal/errors"
	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// DefaultAnalysisTTL is how long cached pattern analyses stay fresh.
const DefaultAnalysisTTL = 10 * time.Minute

const topApproversLimit = 5

// HighAmountMarker identifies the open-ended top bucket of the distribution.
const HighAmountMarker = "Más de"

// ApproverStat summarizes one approver's approved decisions.
type ApproverStat struct {
	UserID               string  `json:"userId"`
	Name                 string  `json:"name"`
	ApprovalCount        int     `json:"approvalCount"`
	AverageResponseHours float64 `json:"averageResponseHours"`
}

// AmountBucket is one bar of the amount histogram over [Min, Max).
type AmountBucket struct {
	Label string   `json:"label"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Count int      `json:"count"`
}

// ApprovalPatterns aggregates a tenant's completed workflow history.
type ApprovalPatterns struct {
	TotalWorkflows       int                        `json:"totalWorkflows"`
	ApprovedCount        int                        `json:"approvedCount"`
	RejectedCount        int                        `json:"rejectedCount"`
	ApprovalRate         float64                    `json:"approvalRate"`
	AverageApprovalHours float64                    `json:"averageApprovalHours"`
	TopApprovers         []ApproverStat             `json:"topApprovers"`
	AmountDistribution   []AmountBucket             `json:"amountDistribution"`
	CategoryBreakdown    []repository.CategoryCount `json:"categoryBreakdown"`
}

// GapType classifies a coverage gap.
type GapType string

const (
	GapNoRule          GapType = "no_rule"
	GapPartialCoverage GapType = "partial_coverage"
)

// CoverageGap is a document type or amount interval no active rule applies to.
type CoverageGap struct {
	Type          GapType                 `json:"type"`
	DocumentType  repository.DocumentType `json:"documentType"`
	Description   string                  `json:"description"`
	AffectedCount int                     `json:"affectedCount,omitempty"`
	Range         *AmountRange            `json:"range,omitempty"`
	Suggestion    string                  `json:"suggestion"`
}

// RuleStatistics summarizes the workflows evaluated against one rule.
type RuleStatistics struct {
	RuleID               string     `json:"ruleId"`
	TotalWorkflows       int        `json:"totalWorkflows"`
	Approved             int        `json:"approved"`
	Rejected             int        `json:"rejected"`
	InProgress           int        `json:"inProgress"`
	AverageApprovalHours float64    `json:"averageApprovalHours"`
	LastUsedAt           *time.Time `json:"lastUsedAt,omitempty"`
}

var amountBuckets = []AmountBucket{
	{Label: "Menos de $50.000", Max: floatPtr(50000)},
	{Label: "$50.000 - $200.000", Min: floatPtr(50000), Max: floatPtr(200000)},
	{Label: "$200.000 - $500.000", Min: floatPtr(200000), Max: floatPtr(500000)},
	{Label: HighAmountMarker + " $500.000", Min: floatPtr(500000)},
}

// PatternAnalyzer derives statistics, coverage gaps and suggestions from
// workflow history and the active rule set.
type PatternAnalyzer struct {
	history  HistoryStore
	rules    RuleStore
	cache    AnalysisCache
	cacheTTL time.Duration
	log      *logger.Logger
}

// NewPatternAnalyzer creates a new PatternAnalyzer. cache may be nil.
func NewPatternAnalyzer(history HistoryStore, rules RuleStore, cache AnalysisCache, cacheTTL time.Duration, log *logger.Logger) *PatternAnalyzer {
	if cacheTTL <= 0 {
		cacheTTL = DefaultAnalysisTTL
	}
	return &PatternAnalyzer{
		history:  history,
		rules:    rules,
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

// AnalyzeApprovalPatterns computes approval statistics over the tenant's
// completed workflows.
func (a *PatternAnalyzer) AnalyzeApprovalPatterns(ctx context.Context, tenantID string) (*ApprovalPatterns, error) {
	cacheKey := "patterns:" + tenantID
	if a.cache != nil {
		var cached ApprovalPatterns
		found, err := a.cache.Get(ctx, cacheKey, &cached)
		if err != nil {
			a.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to read cached approval patterns")
		} else if found {
			return &cached, nil
		}
	}

	var (
		workflows  []*repository.WorkflowHistoryRecord
		amounts    []float64
		categories []repository.CategoryCount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		workflows, err = a.history.ListCompletedWorkflows(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		amounts, err = a.history.ListEstimatedAmounts(gctx, tenantID)
		return err
	})
	g.Go(func() error {
		var err error
		categories, err = a.history.CountByCategory(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval history")
	}

	patterns := &ApprovalPatterns{
		TotalWorkflows:     len(workflows),
		TopApprovers:       rankApprovers(workflows),
		AmountDistribution: distributeAmounts(amounts),
		CategoryBreakdown:  sortCategories(categories),
	}
	for _, w := range workflows {
		switch w.Status {
		case repository.WorkflowStatusApproved:
			patterns.ApprovedCount++
		case repository.WorkflowStatusRejected:
			patterns.RejectedCount++
		}
	}
	if patterns.TotalWorkflows > 0 {
		patterns.ApprovalRate = round2(float64(patterns.ApprovedCount) / float64(patterns.TotalWorkflows) * 100)
	}
	patterns.AverageApprovalHours = averageHours(workflows)

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, patterns, a.cacheTTL); err != nil {
			a.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to cache approval patterns")
		}
	}

	a.log.Debug().
		Str("tenant_id", tenantID).
		Int("workflows", patterns.TotalWorkflows).
		Float64("approval_rate", patterns.ApprovalRate).
		Msg("Approval patterns analyzed")

	return patterns, nil
}

// DetectCoverageGaps reports document types without an active rule and
// amount intervals left uncovered by the rules of each type.
func (a *PatternAnalyzer) DetectCoverageGaps(ctx context.Context, tenantID string) ([]CoverageGap, error) {
	rules, err := a.rules.List(ctx, tenantID, repository.RuleFilter{ActiveOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active rules")
	}
	byType := make(map[repository.DocumentType][]*repository.ApprovalRule)
	for _, r := range rules {
		if r.IsActive {
			byType[r.DocumentType] = append(byType[r.DocumentType], r)
		}
	}

	var gaps []CoverageGap
	for _, docType := range repository.DocumentTypes {
		typed := byType[docType]
		if len(typed) == 0 {
			count, err := a.history.CountDocuments(ctx, tenantID, docType)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count documents")
			}
			// An empty invoice pipeline is not reported.
			if count == 0 && docType == repository.DocumentTypeInvoice {
				continue
			}
			gaps = append(gaps, CoverageGap{
				Type:          GapNoRule,
				DocumentType:  docType,
				AffectedCount: count,
				Description: fmt.Sprintf("No hay reglas de aprobación activas para %s (%d documento(s) afectados).",
					docType.Label(), count),
				Suggestion: fmt.Sprintf("Crear una regla de aprobación para %s.", docType.Label()),
			})
			continue
		}

		for _, r := range FindAmountGaps(typed) {
			r := r
			gaps = append(gaps, CoverageGap{
				Type:         GapPartialCoverage,
				DocumentType: docType,
				Range:        &r,
				Description: fmt.Sprintf("Los montos entre %s y %s de %s no tienen regla de aprobación.",
					formatAmount(r.From), formatAmount(r.To), docType.Label()),
				Suggestion: fmt.Sprintf("Crear una regla para %s con monto desde %s hasta %s.",
					docType.Label(), formatAmount(r.From), formatAmount(r.To)),
			})
		}
	}
	return gaps, nil
}

// GetRuleStatistics summarizes one rule's workflows within the tenant. A rule
// without history, or one unknown to the tenant, yields nil without error.
func (a *PatternAnalyzer) GetRuleStatistics(ctx context.Context, tenantID, ruleID string) (*RuleStatistics, error) {
	workflows, err := a.history.ListWorkflowsByRule(ctx, tenantID, ruleID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load rule workflows")
	}
	if len(workflows) == 0 {
		return nil, nil
	}

	stats := &RuleStatistics{RuleID: ruleID, TotalWorkflows: len(workflows)}
	for _, w := range workflows {
		switch w.Status {
		case repository.WorkflowStatusApproved:
			stats.Approved++
		case repository.WorkflowStatusRejected:
			stats.Rejected++
		case repository.WorkflowStatusInProgress:
			stats.InProgress++
		}
		if w.CreatedAt != nil && (stats.LastUsedAt == nil || w.CreatedAt.After(*stats.LastUsedAt)) {
			t := *w.CreatedAt
			stats.LastUsedAt = &t
		}
	}
	stats.AverageApprovalHours = averageHours(workflows)
	return stats, nil
}

// averageHours is the mean duration of workflows with both timestamps.
func averageHours(workflows []*repository.WorkflowHistoryRecord) float64 {
	var total time.Duration
	n := 0
	for _, w := range workflows {
		if d, ok := w.Duration(); ok {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return round2(total.Hours() / float64(n))
}

// rankApprovers returns the approvers with the most approved decisions.
func rankApprovers(workflows []*repository.WorkflowHistoryRecord) []ApproverStat {
	type tally struct {
		stat      ApproverStat
		responded time.Duration
		timed     int
	}
	byDecider := make(map[string]*tally)
	for _, w := range workflows {
		for _, d := range w.Decisions {
			if d.Decision != repository.DecisionApproved || d.DeciderID == "" {
				continue
			}
			t, ok := byDecider[d.DeciderID]
			if !ok {
				t = &tally{stat: ApproverStat{UserID: d.DeciderID, Name: d.DeciderName}}
				byDecider[d.DeciderID] = t
			}
			if t.stat.Name == "" {
				t.stat.Name = d.DeciderName
			}
			t.stat.ApprovalCount++
			if d.DecidedAt != nil && !d.CreatedAt.IsZero() {
				t.responded += d.DecidedAt.Sub(d.CreatedAt)
				t.timed++
			}
		}
	}

	stats := make([]ApproverStat, 0, len(byDecider))
	for _, t := range byDecider {
		if t.timed > 0 {
			t.stat.AverageResponseHours = round2(t.responded.Hours() / float64(t.timed))
		}
		if t.stat.Name == "" {
			t.stat.Name = t.stat.UserID
		}
		stats = append(stats, t.stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].ApprovalCount != stats[j].ApprovalCount {
			return stats[i].ApprovalCount > stats[j].ApprovalCount
		}
		return stats[i].UserID < stats[j].UserID
	})
	if len(stats) > topApproversLimit {
		stats = stats[:topApproversLimit]
	}
	return stats
}

// distributeAmounts counts amounts into the fixed half-open buckets.
func distributeAmounts(amounts []float64) []AmountBucket {
	buckets := make([]AmountBucket, len(amountBuckets))
	copy(buckets, amountBuckets)
	for _, v := range amounts {
		for i := range buckets {
			if buckets[i].contains(v) {
				buckets[i].Count++
				break
			}
		}
	}
	return buckets
}

func (b AmountBucket) contains(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v >= *b.Max {
		return false
	}
	return true
}

func sortCategories(categories []repository.CategoryCount) []repository.CategoryCount {
	out := make([]repository.CategoryCount, len(categories))
	copy(out, categories)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func floatPtr(v float64) *float64 {
	return &v
}
