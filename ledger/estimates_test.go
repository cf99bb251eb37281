package ledger_test

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/dgt/seed-ledger/ledger"
)

func TestGradeFor(t *testing.T) {
	rules := []ledger.GradeRule{
		{Grade: "3", MinPurity: dec("90")},
		{Grade: "2", MinPurity: dec("97"), MaxPurity: decimal.NewNullDecimal(dec("98.99"))},
		{Grade: "1", MinPurity: dec("99")},
	}
	tests := []struct {
		purity string
		want   string
		ok     bool
	}{
		{"99.5", "1", true},
		{"99", "1", true},
		{"98.99", "2", true},
		{"98.995", "", false},
		{"97", "2", true},
		{"92", "3", true},
		{"89.999", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.purity, func(t *testing.T) {
			got, ok := ledger.GradeFor(rules, dec(tt.purity))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ledger.GradeFor(nil, dec("99"))
	assert.False(t, ok)
}

func TestComputeEstimates(t *testing.T) {
	s := ledger.DefaultSettings()
	base := ledger.ProcessingRecord{
		State:        ledger.StateReady,
		WeightIn:     dec("100"),
		PurityBefore: dec("90"),
		TargetPurity: decimal.NewNullDecimal(dec("98")),
	}

	t.Run("expected only before weight-out", func(t *testing.T) {
		est := ledger.ComputeEstimates(base, s)
		assertDec(t, "8.663", est.ExpectedReject)
		assertDec(t, "8.663", est.Combined)
		assert.True(t, est.Deviation.IsZero())
		assert.False(t, est.Flagged)
	})

	t.Run("combined with weight-out", func(t *testing.T) {
		r := base
		r.WeightOut = dec("90")
		est := ledger.ComputeEstimates(r, s)
		assertDec(t, "8.797", est.Combined)
	})

	t.Run("draft ignores weight-out", func(t *testing.T) {
		r := base
		r.State = ledger.StateDraft
		r.WeightOut = dec("90")
		est := ledger.ComputeEstimates(r, s)
		assertDec(t, "8.663", est.Combined)

		r.ActualReject = decimal.NewNullDecimal(dec("9"))
		assertDec(t, "0.0034", ledger.ComputeEstimates(r, s).Deviation)
	})

	for _, tc := range []struct {
		actual    string
		deviation string
		flagged   bool
	}{
		{"9", "0.002", false},
		{"10", "0.012", true},
	} {
		t.Run(fmt.Sprintf("actual reject %s", tc.actual), func(t *testing.T) {
			r := base
			r.WeightOut = dec("90")
			r.ActualReject = decimal.NewNullDecimal(dec(tc.actual))
			est := ledger.ComputeEstimates(r, s)
			assertDec(t, tc.deviation, est.Deviation)
			assert.Equal(t, tc.flagged, est.Flagged)
		})
	}

	t.Run("target below before keeps only process loss", func(t *testing.T) {
		r := base
		r.TargetPurity = decimal.NewNullDecimal(dec("85"))
		assertDec(t, "0.5", ledger.ComputeEstimates(r, s).ExpectedReject)
	})

	t.Run("no weight-in", func(t *testing.T) {
		assert.Equal(t, ledger.Estimates{}, ledger.ComputeEstimates(ledger.ProcessingRecord{}, s))
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ledger.ErrorKind
	}{
		{"nil", nil, ""},
		{"field", &ledger.FieldError{Field: "weight", Message: "bad"}, ledger.KindValidation},
		{"mass balance", &ledger.MassBalanceError{}, ledger.KindValidation},
		{"purity order", &ledger.PurityOrderError{}, ledger.KindValidation},
		{"insufficient", &ledger.InsufficientBalanceError{What: "raw remaining"}, ledger.KindInsufficientBalance},
		{"conflict", &ledger.ConflictError{}, ledger.KindConcurrencyConflict},
		{"not found", &ledger.NotFoundError{Entity: "lot", ID: "x"}, ledger.KindNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", ledger.ErrNotFound), ledger.KindNotFound},
		{"posted", ledger.ErrAlreadyPosted, ledger.KindAlreadyPosted},
		{"decided", ledger.ErrAlreadyDecided, ledger.KindAlreadyDecided},
		{"not posted", ledger.ErrNotPosted, ledger.KindNotPosted},
		{"forbidden", ledger.ErrForbidden, ledger.KindForbidden},
		{"other", fmt.Errorf("disk on fire"), ledger.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ledger.KindOf(tt.err))
		})
	}

	assert.True(t, ledger.IsRetryable(&ledger.ConflictError{}))
	assert.True(t, ledger.IsRetryable(&ledger.InsufficientBalanceError{}))
	assert.False(t, ledger.IsRetryable(ledger.ErrAlreadyPosted))
	assert.True(t, ledger.IsClientError(ledger.ErrForbidden))
	assert.False(t, ledger.IsClientError(fmt.Errorf("boom")))
}

func TestInsufficientBalanceError_Shortfall(t *testing.T) {
	err := &ledger.InsufficientBalanceError{What: "pool cleaned", Available: dec("4.5"), Requested: dec("6")}
	assertDec(t, "1.5", err.Shortfall())
	assert.Contains(t, err.Error(), "shortfall 1.5")
}
