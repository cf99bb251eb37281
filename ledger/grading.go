package ledger

import "github.com/shopspring/decimal"

// GradeFor returns the grade whose floor is the highest one at or below
// purity. If that grade has a ceiling and purity is above it, there is
// no grade.
func GradeFor(rules []GradeRule, purity decimal.Decimal) (string, bool) {
	var best *GradeRule
	for i := range rules {
		r := &rules[i]
		if r.MinPurity.GreaterThan(purity) {
			continue
		}
		if best == nil || r.MinPurity.GreaterThan(best.MinPurity) {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	if best.MaxPurity.Valid && purity.GreaterThan(best.MaxPurity.Decimal) {
		return "", false
	}
	return best.Grade, true
}
