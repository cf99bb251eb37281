package ledger

import "github.com/shopspring/decimal"

const deviationPlaces = 4

// ComputeEstimates derives the expected reject weight of a cleaning
// record and how far the measured reject weight deviates from it.
//
//	expected  = weightIn * max(0, 1 - before/target) + weightIn * loss
//	combined  = alpha*expected + (1-alpha)*max(0, weightIn - weightOut)
//	deviation = |actualReject - combined| / weightIn
//
// combined falls back to expected while weightOut is unknown. A draft's
// weightOut is a working figure and is ignored until the record is ready.
// deviation and Flagged stay zero until an actual reject weight is recorded.
func ComputeEstimates(r ProcessingRecord, s Settings) Estimates {
	var est Estimates
	if !r.WeightIn.IsPositive() || !r.PurityBefore.IsPositive() {
		return est
	}
	weightIn := r.WeightIn
	before := clamp(r.PurityBefore, decimal.Zero, hundred)

	target := before
	switch {
	case r.TargetPurity.Valid:
		target = r.TargetPurity.Decimal
	case r.PurityAfter.IsPositive():
		target = r.PurityAfter
	}
	target = clamp(target, decimal.RequireFromString("0.01"), hundred)

	idealFrac := decimal.NewFromInt(1).Sub(before.Div(target))
	if idealFrac.IsNegative() {
		idealFrac = decimal.Zero
	}
	idealReject := Quantize(weightIn.Mul(idealFrac))
	est.ExpectedReject = Quantize(idealReject.Add(weightIn.Mul(s.ProcessLoss)))

	est.Combined = est.ExpectedReject
	if r.State != StateDraft && r.WeightOut.IsPositive() {
		diff := Quantize(weightIn.Sub(r.WeightOut))
		if diff.IsNegative() {
			diff = decimal.Zero
		}
		oneMinus := decimal.NewFromInt(1).Sub(s.EstimateAlpha)
		est.Combined = Quantize(s.EstimateAlpha.Mul(est.ExpectedReject).Add(oneMinus.Mul(diff)))
	}

	if r.ActualReject.Valid {
		dev := r.ActualReject.Decimal.Sub(est.Combined).Abs().Div(weightIn)
		est.Deviation = dev.Round(deviationPlaces)
		est.Flagged = dev.GreaterThan(s.MassBalanceTolerance)
	}
	return est
}

// BalanceEstimate is the three-way cross-check of a record's cleaned output.
type BalanceEstimate struct {
	PreOperation  decimal.NullDecimal `json:"pre_operation"`
	InOperation   decimal.NullDecimal `json:"in_operation"`
	PostOperation decimal.NullDecimal `json:"post_operation"`
	Claimed       decimal.Decimal     `json:"claimed"`
	Tolerance     decimal.Decimal     `json:"tolerance"`
	Spread        decimal.Decimal     `json:"spread"`
	Flagged       bool                `json:"flagged"`
}

// ComputeBalanceEstimate compares three cleaned-output estimators and the
// claimed weight-out. It flags the record when their spread exceeds
// s.BalanceEstimateTolerance of weight-in.
//
//	pre  = weightIn * (1 - (max(target-before, 0)/100 + massTolerance))
//	in   = (claimed + weightIn*avgQC/100) / 2   (needs quality checks)
//	post = weightIn - actualReject              (needs actual reject)
func ComputeBalanceEstimate(r ProcessingRecord, s Settings) BalanceEstimate {
	const places = 2
	out := BalanceEstimate{Claimed: r.WeightOut, Spread: decimal.Zero, Tolerance: decimal.Zero}
	weightIn := r.WeightIn
	if !weightIn.IsPositive() {
		return out
	}
	target := r.PurityBefore
	if r.TargetPurity.Valid {
		target = r.TargetPurity.Decimal
	}

	delta := target.Sub(r.PurityBefore)
	if delta.IsNegative() {
		delta = decimal.Zero
	}
	preLoss := delta.Div(hundred).Add(s.MassBalanceTolerance)
	out.PreOperation = nullDecimal(weightIn.Mul(decimal.NewFromInt(1).Sub(preLoss)).Round(places))

	if n := len(r.QualityChecks); n > 0 {
		sum := decimal.Zero
		for _, qc := range r.QualityChecks {
			sum = sum.Add(qc.Purity)
		}
		avg := sum.Div(decimal.NewFromInt(int64(n)))
		proj := weightIn.Mul(avg.Div(hundred)).Round(places)
		out.InOperation = nullDecimal(r.WeightOut.Add(proj).Div(decimal.NewFromInt(2)).Round(places))
	}

	if r.ActualReject.Valid {
		out.PostOperation = nullDecimal(weightIn.Sub(r.ActualReject.Decimal).Round(places))
	}

	out.Tolerance = weightIn.Mul(s.BalanceEstimateTolerance).Round(places)
	candidates := []decimal.Decimal{r.WeightOut}
	for _, c := range []decimal.NullDecimal{out.PreOperation, out.InOperation, out.PostOperation} {
		if c.Valid {
			candidates = append(candidates, c.Decimal)
		}
	}
	if len(candidates) > 1 {
		out.Spread = decimal.Max(candidates[0], candidates[1:]...).Sub(decimal.Min(candidates[0], candidates[1:]...))
		out.Flagged = out.Spread.GreaterThan(out.Tolerance)
	}
	return out
}
