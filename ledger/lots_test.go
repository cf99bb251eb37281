package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dgt/seed-ledger/ledger"
	"github.com/dgt/seed-ledger/ledger/store"
)

func TestRunningBalances_PrefixSums(t *testing.T) {
	lots := []ledger.Lot{
		{Weight: dec("100")},
		{Weight: dec("-30")},
		{Weight: dec("25.5")},
		{Weight: dec("-0.0004")},
	}

	rows := ledger.RunningBalances(lots)

	require.Len(t, rows, 4)
	assertDec(t, "100", rows[0].Balance)
	assertDec(t, "70", rows[1].Balance)
	assertDec(t, "95.5", rows[2].Balance)
	assertDec(t, "95.5", rows[3].Balance)
	assertDec(t, "95.5", ledger.ComputeRunningBalance(lots))
	assertDec(t, "0", ledger.ComputeRunningBalance(nil))
}

func TestQuantize_HalfAwayFromZero(t *testing.T) {
	assertDec(t, "1.235", ledger.Quantize(dec("1.2345")))
	assertDec(t, "-1.235", ledger.Quantize(dec("-1.2345")))
	assertDec(t, "2", ledger.Quantize(dec("1.9999")))
}

func TestRegisterIntake(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: three intakes into one partition and one into another
		a := f.intake(t, sesame, "100")
		b := f.intake(t, sesame, "25.25")
		other := f.intake(t, ledger.Partition{Seed: "WHGSS", Owner: "ACME", Warehouse: "WH-1"}, "7")
		c := f.intake(t, sesame, "10")

		// THEN: bin-card numbers are per partition
		assert.Equal(t, 1, a.InOutNo)
		assert.Equal(t, 2, b.InOutNo)
		assert.Equal(t, 3, c.InOutNo)
		assert.Equal(t, 1, other.InOutNo)
		assert.Equal(t, "ST-1", a.SeedTypeID)
		assert.True(t, a.IsTrueRawInbound())

		card, err := f.svc.Lots.BinCard(ctx, sesame)
		require.NoError(t, err)
		require.Len(t, card, 3)
		assert.Equal(t, a.ID, card[0].Lot.ID)
		assertDec(t, "125.25", card[1].Balance)
		assertDec(t, "135.25", card[2].Balance)

		tot := f.totals(t, sesame)
		assertDec(t, "135.25", tot.Balance)
		assertDec(t, "135.25", tot.RawRemaining)
		assert.Equal(t, 3, tot.Lots)
	})
}

func TestRegisterIntake_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		tests := []struct {
			name string
			in   ledger.IntakeInput
			kind ledger.ErrorKind
		}{
			{"non DGT warehouse", ledger.IntakeInput{Partition: ledger.Partition{Seed: "WHGSS", Owner: "DGT", Warehouse: "EXT-9"}, Weight: dec("5")}, ledger.KindValidation},
			{"unknown warehouse", ledger.IntakeInput{Partition: ledger.Partition{Seed: "WHGSS", Owner: "DGT", Warehouse: "WH-404"}, Weight: dec("5")}, ledger.KindValidation},
			{"weight below 1 g", ledger.IntakeInput{Partition: sesame, Weight: dec("0.0004")}, ledger.KindValidation},
			{"negative weight", ledger.IntakeInput{Partition: sesame, Weight: dec("-5")}, ledger.KindValidation},
			{"unknown seed", ledger.IntakeInput{Partition: ledger.Partition{Seed: "TEFF", Owner: "DGT", Warehouse: "WH-1"}, Weight: dec("5")}, ledger.KindNotFound},
			{"missing owner", ledger.IntakeInput{Partition: ledger.Partition{Seed: "WHGSS", Warehouse: "WH-1"}, Weight: dec("5")}, ledger.KindValidation},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Lots.RegisterIntake(ctx, tt.in, operator)
				assert.Equal(t, tt.kind, ledger.KindOf(err), "%v", err)
			})
		}
		assert.Zero(t, f.totals(t, sesame).Lots)
	})
}

func TestRegisterIntake_GradesFromPurityAndKeepsAttachments(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		lot, err := f.svc.Lots.RegisterIntake(ctx, ledger.IntakeInput{
			Partition:   sesame,
			Weight:      dec("12"),
			Purity:      decimal.NewNullDecimal(dec("99.2")),
			Description: "truck AA-3-1234",
			Attachments: []ledger.Attachment{{Kind: ledger.AttachWeighbridge, Key: "wb/2026/03/0001.pdf"}},
		}, operator)
		require.NoError(t, err)
		assert.Equal(t, "1", lot.Grade)

		atts, err := f.svc.Lots.Attachments(ctx, ledger.SubjectLot, string(lot.ID))
		require.NoError(t, err)
		require.Len(t, atts, 1)
		assert.Equal(t, ledger.AttachWeighbridge, atts[0].Kind)
		assert.Equal(t, operator.ID, atts[0].AttachedBy)

		_, err = f.svc.Lots.RegisterIntake(ctx, ledger.IntakeInput{
			Partition:   sesame,
			Weight:      dec("12"),
			Attachments: []ledger.Attachment{{Kind: ledger.AttachReceipt}},
		}, operator)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))
		assert.Equal(t, 1, f.totals(t, sesame).Lots, "failed intake rolled back")
	})
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, ledger.Event) error { return errors.New("webhook down") }

type failingDocuments struct{}

func (failingDocuments) Attach(context.Context, ledger.Attachment) error {
	return errors.New("bucket gone")
}

type recordedOp struct {
	op   string
	kind ledger.ErrorKind
}

type opRecorder struct{ ops []recordedOp }

func (r *opRecorder) Observe(op string, kind ledger.ErrorKind, _ time.Duration) {
	r.ops = append(r.ops, recordedOp{op, kind})
}

func TestDeliveryFailuresDoNotFailCommittedOperations(t *testing.T) {
	// GIVEN: collaborators that fail after commit
	core, logs := observer.New(zap.InfoLevel)
	obs := &opRecorder{}
	svc := ledger.New(ledger.Deps{
		Store:      store.NewMemory(),
		MasterData: testCatalog(t),
		Notifier:   failingNotifier{},
		Documents:  failingDocuments{},
		Observer:   obs,
		Logger:     zap.New(core),
	})
	ctx := context.Background()

	// WHEN: an intake with a document is registered
	lot, err := svc.Lots.RegisterIntake(ctx, ledger.IntakeInput{
		Partition:   sesame,
		Weight:      dec("10"),
		Attachments: []ledger.Attachment{{Kind: ledger.AttachReceipt, Key: "r/1.pdf"}},
	}, operator)

	// THEN: the intake stands and the failures are logged
	require.NoError(t, err)
	got, err := svc.Lots.Get(ctx, lot.ID)
	require.NoError(t, err)
	assertDec(t, "10", got.Weight)
	assert.Equal(t, 1, logs.FilterMessage("notify failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("document attach failed").Len())

	// AND: a rejected operation is observed with its kind
	_, err = svc.Lots.RegisterIntake(ctx, ledger.IntakeInput{
		Partition: ledger.Partition{Seed: "TEFF", Owner: "DGT", Warehouse: "WH-1"},
		Weight:    dec("1"),
	}, operator)
	require.Error(t, err)
	assert.Equal(t, []recordedOp{
		{"lot.intake", ""},
		{"lot.intake", ledger.KindNotFound},
	}, obs.ops)
	assert.Equal(t, 1, logs.FilterMessage("operation rejected").Len())
}
