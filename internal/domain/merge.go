// Weighted-merge arithmetic shared by every place two partial aggregates are
// combined. The SQL upsert in the repo layer mirrors these expressions
// exactly; keeping the reference implementation here lets tests assert
// associativity without a database.
package domain

import "math"

// MergeWeighted combines two partial weighted means.
//
// Rules: nil if both inputs are nil, the non-nil side if only one is present,
// otherwise (avgA*countA + avgB*countB) / (countA+countB). Counts are the
// number of observations behind each mean, so the merge is associative and
// order-independent across retries and out-of-order deliveries.
func MergeWeighted(avgA *float64, countA int64, avgB *float64, countB int64) *float64 {
	switch {
	case avgA == nil && avgB == nil:
		return nil
	case avgB == nil:
		v := *avgA
		return &v
	case avgA == nil:
		v := *avgB
		return &v
	}
	total := countA + countB
	if total <= 0 {
		return nil
	}
	v := (*avgA*float64(countA) + *avgB*float64(countB)) / float64(total)
	return &v
}

// Visibility computes the visibility score for a bucket: the percentage of
// observations in which the entity was mentioned at all. Zero results means
// zero score. The per-observation contribution is binary (mention or not),
// not a function of rank.
func Visibility(totalMentions, totalResults int64) float64 {
	if totalResults <= 0 {
		return 0
	}
	return 100 * float64(totalMentions) / float64(totalResults)
}

// Round2 rounds to two decimal places, the precision used for derived
// percentages such as utilization.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// ClampPercent bounds v to [0,100]. Late-arriving data can transiently push
// a derived percentage out of range before the next recalculation pass.
func ClampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
