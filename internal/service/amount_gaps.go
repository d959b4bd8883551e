package service

import (
	"sort"

	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
)

// AmountRange is a half-open interval [From, To) of document amounts.
type AmountRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// FindAmountGaps returns the uncovered intervals between the amount ranges of
// rules that target a single document type. Rules without any bound are
// ignored. Only adjacent pairs in min-sorted order are compared, so a rule
// nested inside a wider earlier range is not specially detected.
func FindAmountGaps(rules []*repository.ApprovalRule) []AmountRange {
	ranged := make([]*repository.ApprovalRule, 0, len(rules))
	for _, r := range rules {
		if r.HasAmountRange() {
			ranged = append(ranged, r)
		}
	}
	if len(ranged) == 0 {
		return nil
	}

	sort.SliceStable(ranged, func(i, j int) bool {
		return effectiveMin(ranged[i]) < effectiveMin(ranged[j])
	})

	var gaps []AmountRange
	if first := effectiveMin(ranged[0]); first > 0 {
		gaps = append(gaps, AmountRange{From: 0, To: first})
	}
	for i := 1; i < len(ranged); i++ {
		prev, next := ranged[i-1], ranged[i]
		if prev.MaxAmount == nil {
			continue
		}
		if prevMax, nextMin := *prev.MaxAmount, effectiveMin(next); prevMax < nextMin {
			gaps = append(gaps, AmountRange{From: prevMax, To: nextMin})
		}
	}
	return gaps
}

func effectiveMin(r *repository.ApprovalRule) float64 {
	if r.MinAmount == nil {
		return 0
	}
	return *r.MinAmount
}
