package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func at(hours float64) *time.Time {
	t := base.Add(time.Duration(hours * float64(time.Hour)))
	return &t
}

func workflow(status repository.WorkflowStatus, created, completed *time.Time, decisions ...repository.ApprovalDecision) *repository.WorkflowHistoryRecord {
	return &repository.WorkflowHistoryRecord{
		ID:          "wf",
		TenantID:    "t1",
		Status:      status,
		CreatedAt:   created,
		CompletedAt: completed,
		Decisions:   decisions,
	}
}

func approval(id, name string, requestedHour, decidedHour float64) repository.ApprovalDecision {
	return repository.ApprovalDecision{
		DeciderID:   id,
		DeciderName: name,
		Decision:    repository.DecisionApproved,
		CreatedAt:   *at(requestedHour),
		DecidedAt:   at(decidedHour),
	}
}

func TestFindAmountGaps(t *testing.T) {
	pr := repository.DocumentTypePurchaseRequest
	tests := []struct {
		name  string
		rules []*repository.ApprovalRule
		want  []AmountRange
	}{
		{
			name: "single gap between ranges",
			rules: []*repository.ApprovalRule{
				rangedRule("c", pr, floatPtr(300000), nil),
				rangedRule("a", pr, floatPtr(0), floatPtr(50000)),
				rangedRule("b", pr, floatPtr(100000), floatPtr(300000)),
			},
			want: []AmountRange{{From: 50000, To: 100000}},
		},
		{
			name:  "unbounded rule is ignored",
			rules: []*repository.ApprovalRule{rangedRule("a", pr, nil, nil)},
			want:  nil,
		},
		{
			name:  "explicit zero to infinity",
			rules: []*repository.ApprovalRule{rangedRule("a", pr, floatPtr(0), nil)},
			want:  nil,
		},
		{
			name:  "no rules",
			rules: nil,
			want:  nil,
		},
		{
			name: "leading gap",
			rules: []*repository.ApprovalRule{
				rangedRule("a", pr, floatPtr(10000), floatPtr(20000)),
				rangedRule("b", pr, floatPtr(20000), nil),
			},
			want: []AmountRange{{From: 0, To: 10000}},
		},
		{
			name: "missing minimum counts as zero",
			rules: []*repository.ApprovalRule{
				rangedRule("a", pr, nil, floatPtr(1000)),
				rangedRule("b", pr, floatPtr(5000), nil),
			},
			want: []AmountRange{{From: 1000, To: 5000}},
		},
		{
			name: "overlapping ranges",
			rules: []*repository.ApprovalRule{
				rangedRule("a", pr, floatPtr(0), floatPtr(80000)),
				rangedRule("b", pr, floatPtr(50000), floatPtr(200000)),
			},
			want: nil,
		},
		{
			name: "multiple gaps",
			rules: []*repository.ApprovalRule{
				rangedRule("a", pr, floatPtr(0), floatPtr(100)),
				rangedRule("b", pr, floatPtr(200), floatPtr(300)),
				rangedRule("c", pr, floatPtr(400), floatPtr(500)),
			},
			want: []AmountRange{{From: 100, To: 200}, {From: 300, To: 400}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindAmountGaps(tt.rules))
		})
	}
}

func TestAnalyzeApprovalPatternsWithoutHistory(t *testing.T) {
	f := newFixture()

	patterns, err := f.analyzer.AnalyzeApprovalPatterns(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, patterns.TotalWorkflows)
	assert.Equal(t, 0.0, patterns.ApprovalRate)
	assert.Equal(t, 0.0, patterns.AverageApprovalHours)
	assert.Empty(t, patterns.TopApprovers)
	require.Len(t, patterns.AmountDistribution, 4)
	for _, b := range patterns.AmountDistribution {
		assert.Zero(t, b.Count)
	}
}

func TestAnalyzeApprovalPatterns(t *testing.T) {
	f := newFixture()
	f.history.completed = []*repository.WorkflowHistoryRecord{
		workflow(repository.WorkflowStatusApproved, at(0), at(4),
			approval("u-ana", "Ana", 0, 2), approval("u-luis", "Luis", 0, 1)),
		workflow(repository.WorkflowStatusApproved, at(0), at(8),
			approval("u-ana", "Ana", 1, 5)),
		workflow(repository.WorkflowStatusRejected, at(0), nil,
			repository.ApprovalDecision{DeciderID: "u-luis", DeciderName: "Luis", Decision: repository.DecisionRejected}),
	}
	f.history.amounts = []float64{10000, 50000, 199999.99, 200000, 500000, 750000}
	f.history.categories = []repository.CategoryCount{{Category: "Oficina", Count: 2}, {Category: "TI", Count: 9}}

	patterns, err := f.analyzer.AnalyzeApprovalPatterns(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 3, patterns.TotalWorkflows)
	assert.Equal(t, 2, patterns.ApprovedCount)
	assert.Equal(t, 1, patterns.RejectedCount)
	assert.Equal(t, 66.67, patterns.ApprovalRate)
	// The rejected workflow has no completion time and is excluded.
	assert.Equal(t, 6.0, patterns.AverageApprovalHours)

	require.Len(t, patterns.TopApprovers, 2)
	assert.Equal(t, ApproverStat{UserID: "u-ana", Name: "Ana", ApprovalCount: 2, AverageResponseHours: 3}, patterns.TopApprovers[0])
	assert.Equal(t, ApproverStat{UserID: "u-luis", Name: "Luis", ApprovalCount: 1, AverageResponseHours: 1}, patterns.TopApprovers[1])

	counts := make([]int, 0, 4)
	for _, b := range patterns.AmountDistribution {
		counts = append(counts, b.Count)
	}
	assert.Equal(t, []int{1, 2, 1, 2}, counts)
	assert.Equal(t, "Más de $500.000", patterns.AmountDistribution[3].Label)

	assert.Equal(t, "TI", patterns.CategoryBreakdown[0].Category)
}

func TestTopApproversCappedAtFive(t *testing.T) {
	var decisions []repository.ApprovalDecision
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		for n := 0; n <= i; n++ {
			decisions = append(decisions, approval(id, id, 0, 1))
		}
	}
	stats := rankApprovers([]*repository.WorkflowHistoryRecord{
		workflow(repository.WorkflowStatusApproved, at(0), at(1), decisions...),
	})
	require.Len(t, stats, 5)
	assert.Equal(t, "g", stats[0].UserID)
	assert.Equal(t, 7, stats[0].ApprovalCount)
	assert.Equal(t, "c", stats[4].UserID)
}

func TestAnalyzeApprovalPatternsUsesCache(t *testing.T) {
	f := newFixture()
	cache := &fakeCache{}
	analyzer := NewPatternAnalyzer(f.history, f.rules, cache, time.Minute, logger.Nop())
	f.history.completed = []*repository.WorkflowHistoryRecord{
		workflow(repository.WorkflowStatusApproved, at(0), at(2)),
	}

	first, err := analyzer.AnalyzeApprovalPatterns(context.Background(), "t1")
	require.NoError(t, err)

	f.history.err = stderrors.New("database down")
	second, err := analyzer.AnalyzeApprovalPatterns(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, cache.gets)
}

func TestAnalyzeApprovalPatternsError(t *testing.T) {
	f := newFixture()
	f.history.err = stderrors.New("database down")

	_, err := f.analyzer.AnalyzeApprovalPatterns(context.Background(), "t1")
	assert.ErrorContains(t, err, "database down")
}

func TestDetectCoverageGaps(t *testing.T) {
	f := newFixture(
		rangedRule("pr-1", repository.DocumentTypePurchaseRequest, floatPtr(10000), floatPtr(50000)),
		rangedRule("pr-2", repository.DocumentTypePurchaseRequest, floatPtr(50000), nil),
	)
	f.history.documents[repository.DocumentTypePurchaseOrder] = 4

	gaps, err := f.analyzer.DetectCoverageGaps(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	assert.Equal(t, GapPartialCoverage, gaps[0].Type)
	assert.Equal(t, repository.DocumentTypePurchaseRequest, gaps[0].DocumentType)
	assert.Equal(t, &AmountRange{From: 0, To: 10000}, gaps[0].Range)
	assert.Contains(t, gaps[0].Suggestion, "monto desde $0 hasta $10.000")

	assert.Equal(t, GapNoRule, gaps[1].Type)
	assert.Equal(t, repository.DocumentTypePurchaseOrder, gaps[1].DocumentType)
	assert.Equal(t, 4, gaps[1].AffectedCount)
}

func TestDetectCoverageGapsInvoiceExemption(t *testing.T) {
	f := newFixture()

	gaps, err := f.analyzer.DetectCoverageGaps(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, repository.DocumentTypePurchaseRequest, gaps[0].DocumentType)
	assert.Equal(t, 0, gaps[0].AffectedCount)
	assert.Equal(t, repository.DocumentTypePurchaseOrder, gaps[1].DocumentType)

	f.history.documents[repository.DocumentTypeInvoice] = 2
	gaps, err = f.analyzer.DetectCoverageGaps(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, gaps, 3)
	assert.Equal(t, repository.DocumentTypeInvoice, gaps[2].DocumentType)
}

func TestDetectCoverageGapsIgnoresInactiveRules(t *testing.T) {
	inactive := rangedRule("po-1", repository.DocumentTypePurchaseOrder, nil, nil)
	inactive.IsActive = false
	f := newFixture(inactive)

	gaps, err := f.analyzer.DetectCoverageGaps(context.Background(), "t1")
	require.NoError(t, err)

	var types []repository.DocumentType
	for _, g := range gaps {
		types = append(types, g.DocumentType)
	}
	assert.Contains(t, types, repository.DocumentTypePurchaseOrder)
}

func TestGetRuleStatistics(t *testing.T) {
	f := newFixture()
	f.history.byRule = map[string][]*repository.WorkflowHistoryRecord{
		"r1": {
			workflow(repository.WorkflowStatusApproved, at(0), at(10)),
			workflow(repository.WorkflowStatusRejected, at(24), at(26)),
			workflow(repository.WorkflowStatusInProgress, at(48), nil),
		},
	}

	stats, err := f.analyzer.GetRuleStatistics(context.Background(), "t1", "r1")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.TotalWorkflows)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 6.0, stats.AverageApprovalHours)
	assert.Equal(t, *at(48), *stats.LastUsedAt)

	stats, err = f.analyzer.GetRuleStatistics(context.Background(), "t1", "missing")
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestGetRuleStatisticsScopedToTenant(t *testing.T) {
	f := newFixture()
	own := workflow(repository.WorkflowStatusApproved, at(0), at(4))
	foreign := workflow(repository.WorkflowStatusApproved, at(0), at(8))
	foreign.TenantID = "t2"
	f.history.byRule = map[string][]*repository.WorkflowHistoryRecord{
		"r1": {own},
		"r2": {foreign},
	}

	stats, err := f.analyzer.GetRuleStatistics(context.Background(), "t2", "r1")
	require.NoError(t, err)
	assert.Nil(t, stats)

	stats, err = f.analyzer.GetRuleStatistics(context.Background(), "t1", "r2")
	require.NoError(t, err)
	assert.Nil(t, stats)

	stats, err = f.analyzer.GetRuleStatistics(context.Background(), "t2", "r2")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.TotalWorkflows)
	assert.Equal(t, 8.0, stats.AverageApprovalHours)
}
