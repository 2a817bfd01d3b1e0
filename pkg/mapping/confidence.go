package mapping

import "math"

// EvidenceTier is how a technique ID was established for an analytic.
// All confidence in attackmap is expressed on one 0-100 scale:
//
//	score = 100 * tierWeight * corpusModifier
//
// so a parent-fallback match and a Tier-2 category inference are directly
// comparable.
type EvidenceTier string

const (
	// EvidenceExplicit: the rule names the technique.
	EvidenceExplicit EvidenceTier = "explicit"
	// EvidenceParentFallback: a sub-technique inherited its parent's binding.
	EvidenceParentFallback EvidenceTier = "parent_fallback"
	// EvidenceCategory: log-source category mapped to a data component,
	// then to techniques (Tier 2).
	EvidenceCategory EvidenceTier = "category_inference"
	// EvidenceDataSourceTag: synthesized from raw technique data-source tags.
	EvidenceDataSourceTag EvidenceTier = "data_source_tag"
)

// Weight returns the tier's share of full confidence.
func (t EvidenceTier) Weight() float64 {
	switch t {
	case EvidenceExplicit:
		return 1.0
	case EvidenceParentFallback:
		return 0.75
	case EvidenceCategory:
		return 0.5
	case EvidenceDataSourceTag:
		return 0.4
	default:
		return 0
	}
}

// ClampConfidence bounds c to [0, 100].
func ClampConfidence(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

// EvidenceScore is the per-analytic confidence for an evidence tier and a
// per-corpus modifier (1.0 for stable corpora, lower for experimental ones).
func EvidenceScore(tier EvidenceTier, modifier float64) int {
	if modifier < 0 {
		modifier = 0
	}
	return ClampConfidence(int(math.Round(100 * tier.Weight() * modifier)))
}

// SourceConfidence is the confidence of a single adapter's mapping:
// 60% of the average per-analytic score plus 4 points per matched rule,
// the rule bonus capped at 40.
func SourceConfidence(matched int, avg float64) int {
	if matched <= 0 {
		return 0
	}
	return ClampConfidence(int(avg*0.6) + min(40, matched*4))
}

// CombinedConfidence is the confidence of a fused mapping. It is
// non-decreasing in both arguments and never exceeds 100.
func CombinedConfidence(distinctAnalytics, successfulSources int) int {
	return ClampConfidence(max(0, distinctAnalytics)*5 + max(0, successfulSources)*10)
}

// ScoreCategory buckets a confidence for capability rows.
type ScoreCategory string

const (
	ScoreSignificant ScoreCategory = "significant"
	ScorePartial     ScoreCategory = "partial"
	ScoreMinimal     ScoreCategory = "minimal"
)

// CategoryFor buckets confidence: >=75 significant, >=40 partial.
func CategoryFor(confidence int) ScoreCategory {
	switch {
	case confidence >= 75:
		return ScoreSignificant
	case confidence >= 40:
		return ScorePartial
	default:
		return ScoreMinimal
	}
}
