package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgt/seed-ledger/ledger"
	"github.com/dgt/seed-ledger/ledger/store"
	"github.com/dgt/seed-ledger/masterdata"
	"github.com/dgt/seed-ledger/store/sqlite"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

var (
	operator  = ledger.Actor{ID: "op-1", Role: ledger.RoleOperator}
	lineMgr   = ledger.Actor{ID: "lm-1", Role: ledger.RoleLineManager}
	systemMgr = ledger.Actor{ID: "sm-1", Role: ledger.RoleSystemManager}

	sesame = ledger.Partition{Seed: "WHGSS", Owner: "DGT", Warehouse: "WH-1"}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func floatPtr(f float64) *float64 { return &f }

func testCatalog(t *testing.T) *masterdata.Catalog {
	t.Helper()
	c, err := masterdata.New(masterdata.File{
		Warehouses: []masterdata.Warehouse{
			{ID: "WH-1", Name: "Humera", Type: "DGT"},
			{ID: "EXT-9", Name: "Third party", Type: "EXTERNAL"},
		},
		Companies: []masterdata.Company{
			{ID: "DGT", Name: "DGT Trading", Internal: true},
			{ID: "ACME", Name: "Acme Oilseeds", Internal: true},
		},
		SeedTypes: []masterdata.SeedType{{
			ID:     "ST-1",
			Symbol: "WHGSS",
			Name:   "Whitish Humera Gonder Sesame Seed",
			Grades: []masterdata.Grade{
				{Grade: "1", MinPurity: 99},
				{Grade: "2", MinPurity: 97, MaxPurity: floatPtr(98.99)},
				{Grade: "3", MinPurity: 90},
			},
		}},
	})
	require.NoError(t, err)
	return c
}

// events records every notification delivered after commit.
type events struct {
	mu  sync.Mutex
	all []ledger.Event
}

func (e *events) Notify(_ context.Context, ev ledger.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
	return nil
}

func (e *events) types() []ledger.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ledger.EventType, 0, len(e.all))
	for _, ev := range e.all {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc    *ledger.Services
	events *events
}

func newFixture(t *testing.T, st ledger.TxStore) *fixture {
	t.Helper()
	var seq atomic.Int64
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := &events{}
	return &fixture{
		events: ev,
		svc: ledger.New(ledger.Deps{
			Store:      st,
			MasterData: testCatalog(t),
			Notifier:   ev,
			Now:        func() time.Time { return clock },
			NewID:      func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) },
		}),
	}
}

// storeFactories lists every TxStore the engine tests run against.
var storeFactories = map[string]func(t *testing.T) ledger.TxStore{
	"memory": func(t *testing.T) ledger.TxStore { return store.NewMemory() },
	"sqlite": func(t *testing.T) ledger.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

// forEachStore runs fn once per store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, factory(t)))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (f *fixture) intake(t *testing.T, p ledger.Partition, weight string) ledger.Lot {
	t.Helper()
	lot, err := f.svc.Lots.RegisterIntake(context.Background(), ledger.IntakeInput{
		Partition: p,
		Weight:    dec(weight),
	}, operator)
	require.NoError(t, err)
	return lot
}

func cleaning(lot ledger.LotID, in, out, rejects string) ledger.DraftInput {
	return ledger.DraftInput{
		LotID:        lot,
		Operation:    ledger.OpCleaning,
		WeightIn:     dec(in),
		WeightOut:    dec(out),
		Rejects:      dec(rejects),
		PurityBefore: dec("90"),
		PurityAfter:  dec("98"),
		TargetPurity: decimal.NewNullDecimal(dec("98")),
	}
}

// posted creates and posts a cleaning record.
func (f *fixture) posted(t *testing.T, lot ledger.LotID, in, out, rejects string) ledger.ProcessingRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.svc.Processing.Create(ctx, cleaning(lot, in, out, rejects), operator)
	require.NoError(t, err)
	rec, err = f.svc.Processing.Post(ctx, rec.ID, operator)
	require.NoError(t, err)
	return rec
}

func (f *fixture) submit(t *testing.T, class ledger.StockClass, qty string) ledger.Reservation {
	t.Helper()
	res, err := f.svc.Reservations.Submit(context.Background(), ledger.SubmitInput{
		Partition: sesame,
		Class:     class,
		Quantity:  dec(qty),
	}, operator)
	require.NoError(t, err)
	return res
}

func (f *fixture) totals(t *testing.T, p ledger.Partition) ledger.PartitionTotals {
	t.Helper()
	tot, err := f.svc.Lots.Totals(context.Background(), p)
	require.NoError(t, err)
	return tot
}

func (f *fixture) available(t *testing.T, class ledger.StockClass) decimal.Decimal {
	t.Helper()
	avail, err := f.svc.Reservations.Available(context.Background(), sesame, class)
	require.NoError(t, err)
	return avail
}

func (f *fixture) poolTotal(t *testing.T, class ledger.StockClass) decimal.Decimal {
	t.Helper()
	entries, err := f.svc.Lots.Pools(context.Background(), sesame)
	require.NoError(t, err)
	return ledger.PoolTotal(entries, class)
}
