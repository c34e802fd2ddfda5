// Package pricereference turns marketplace price benchmarks into a
// competitiveness status for a listing.
package pricereference

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCompetitive Status = "competitive"
	StatusAttention   Status = "attention"
	StatusHigh        Status = "high"
	StatusNone        Status = "none"
)

type ReferenceType string

const (
	TypeSuggested ReferenceType = "suggested"
	TypeRange     ReferenceType = "range"
	TypeNone      ReferenceType = "none"
)

// Tolerances are percentages above the suggested price.
type Tolerances struct {
	AttentionPct decimal.Decimal
	HighPct      decimal.Decimal
}

var DefaultTolerances = Tolerances{
	AttentionPct: decimal.NewFromInt(2),
	HighPct:      decimal.NewFromInt(5),
}

// Benchmark is the marketplace's view of a listing price.
type Benchmark struct {
	Status            string
	CurrentPrice      *decimal.Decimal
	SuggestedPrice    *decimal.Decimal
	LowestPrice       *decimal.Decimal
	PercentDifference *float64
}

// Summary is what gets stored for one item or variation.
type Summary struct {
	Type        ReferenceType
	Suggested   *decimal.Decimal
	Min         *decimal.Decimal
	Max         *decimal.Decimal
	Status      Status
	Explanation string
}

var hundred = decimal.NewFromInt(100)

// FromRemoteStatus maps the marketplace benchmark status to ours.
func FromRemoteStatus(s string) Status {
	switch s {
	case "with_benchmark_highest":
		return StatusHigh
	case "with_benchmark_high":
		return StatusAttention
	case "no_benchmark_ok", "no_benchmark_lowest":
		return StatusCompetitive
	default:
		return StatusNone
	}
}

// Missing is the summary stored when the marketplace has no benchmark.
func Missing() Summary {
	return Summary{Type: TypeNone, Status: StatusNone, Explanation: "No price reference available."}
}

// Summarize derives the reference range for b and classifies currentPrice
// against it. A known remote status takes precedence over local rules.
func Summarize(b Benchmark, currentPrice decimal.Decimal, tol Tolerances) Summary {
	s := Summary{Type: TypeNone, Suggested: b.SuggestedPrice}
	if b.SuggestedPrice != nil {
		s.Type = TypeSuggested
	}

	switch {
	case b.LowestPrice != nil && b.SuggestedPrice != nil:
		lo, hi := decimal.Min(*b.LowestPrice, *b.SuggestedPrice), decimal.Max(*b.LowestPrice, *b.SuggestedPrice)
		s.Min, s.Max, s.Type = &lo, &hi, TypeRange
	case b.LowestPrice != nil:
		low := *b.LowestPrice
		s.Min, s.Max = &low, &low
	case b.SuggestedPrice != nil:
		sug := *b.SuggestedPrice
		s.Min, s.Max = &sug, &sug
	}

	if remote := FromRemoteStatus(b.Status); remote != StatusNone {
		s.Status = remote
		s.Explanation = remoteExplanation(b)
		return s
	}
	s.Status, s.Explanation = Classify(currentPrice, s.Suggested, s.Min, s.Max, tol)
	return s
}

// Classify rates currentPrice against a range when both bounds are known,
// otherwise against the suggested price.
func Classify(current decimal.Decimal, suggested, min, max *decimal.Decimal, tol Tolerances) (Status, string) {
	if !current.IsPositive() {
		return StatusNone, "Invalid current price."
	}

	if min != nil && max != nil {
		lo, hi := *min, *max
		if current.GreaterThan(hi) {
			pct := decimal.Zero
			if hi.IsPositive() {
				pct = current.Sub(hi).Div(hi).Mul(hundred)
			}
			return StatusHigh, fmt.Sprintf("Current price %s is above the reference range ceiling %s (+%s%%).",
				current.StringFixed(2), hi.StringFixed(2), pct.StringFixed(1))
		}
		if !current.LessThan(lo) {
			return StatusCompetitive, fmt.Sprintf("Price within the reference range (%s - %s).", lo.StringFixed(2), hi.StringFixed(2))
		}
		return StatusCompetitive, fmt.Sprintf("Price below the reference range (%s - %s).", lo.StringFixed(2), hi.StringFixed(2))
	}

	if suggested != nil && suggested.IsPositive() {
		sug := *suggested
		diff := current.Sub(sug).Div(sug).Mul(hundred)
		switch {
		case diff.GreaterThan(tol.HighPct):
			return StatusHigh, fmt.Sprintf("Current price %s is %s%% above the suggested %s.", current.StringFixed(2), diff.StringFixed(1), sug.StringFixed(2))
		case diff.GreaterThan(tol.AttentionPct):
			return StatusAttention, fmt.Sprintf("Current price %s is %s%% above the suggested %s.", current.StringFixed(2), diff.StringFixed(1), sug.StringFixed(2))
		case !diff.LessThan(tol.AttentionPct.Neg()):
			return StatusCompetitive, fmt.Sprintf("Price in line with the suggested %s.", sug.StringFixed(2))
		default:
			return StatusCompetitive, fmt.Sprintf("Price below the suggested %s.", sug.StringFixed(2))
		}
	}

	return StatusNone, "No price reference available."
}

func remoteExplanation(b Benchmark) string {
	cur, sug := decimal.Zero, decimal.Zero
	if b.CurrentPrice != nil {
		cur = *b.CurrentPrice
	}
	if b.SuggestedPrice != nil {
		sug = *b.SuggestedPrice
	}
	pct := decimal.Zero
	if b.PercentDifference != nil {
		pct = decimal.NewFromFloat(*b.PercentDifference)
	} else if sug.IsPositive() {
		pct = cur.Sub(sug).Div(sug).Mul(hundred)
	}

	switch b.Status {
	case "with_benchmark_highest":
		return fmt.Sprintf("Price above the reference and competitors (%s%% above suggested).", pct.StringFixed(1))
	case "with_benchmark_high":
		return fmt.Sprintf("Price above the suggested reference (%s%%).", pct.StringFixed(1))
	case "no_benchmark_ok":
		return "Price in line with the reference."
	case "no_benchmark_lowest":
		return "Price below the reference."
	default:
		return fmt.Sprintf("Reference: %s. Difference: %s%%.", sug.StringFixed(2), pct.StringFixed(1))
	}
}
