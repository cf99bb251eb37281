package ledger

import "github.com/shopspring/decimal"

// Weights are kept at three decimal places.
const weightPlaces = 3

var (
	hundred = decimal.NewFromInt(100)

	// DefaultMassBalanceTolerance is the allowed relative gap between
	// input weight and output+reject weight.
	DefaultMassBalanceTolerance = decimal.RequireFromString("0.0075")

	// DefaultPurityTolerance is the symmetric band, in purity points,
	// for matching a cleaned output to an existing bucket.
	DefaultPurityTolerance = decimal.NewFromInt(2)

	// DefaultProcessLoss is the expected dust/handling loss fraction.
	DefaultProcessLoss = decimal.RequireFromString("0.005")

	// DefaultEstimateAlpha weights purity-based expectation against the
	// measured weight difference.
	DefaultEstimateAlpha = decimal.RequireFromString("0.90")

	// DefaultBalanceEstimateTolerance bounds the spread of the three
	// cleaned-output estimates, as a fraction of input weight.
	DefaultBalanceEstimateTolerance = decimal.RequireFromString("0.01")
)

// Quantize rounds to weight precision, half away from zero.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(weightPlaces)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
