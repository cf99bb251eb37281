/*
lots.go - Lot Ledger: append-only lots and their running balance

PURPOSE:
  One lot per physical intake or outbound event. The running balance of
  a (seed, owner, warehouse) partition is never stored: it is derived by
  replaying signed weights in creation (Sequence) order, so historical
  rows can never drift out of agreement with it.

    balance(n) = balance(n-1) + weight(n)

TRUE RAW INBOUND:
  A positive-weight lot with no cleaned or reject delta is raw stock:
  its raw balance and raw remaining are seeded to its weight. Any other
  lot keeps the raw fields it was given by the caller (zero by default).

BIN-CARD NUMBERS:
  Each lot gets the next in/out number of its partition (max + 1).

SEE ALSO:
  - processing.go: decrements raw, increments cleaned/reject on post
  - reservation.go: appends outbound and return lots
*/
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// LotLedger owns lot creation and running-balance derivation.
type LotLedger struct {
	rt *runtime
}

// NewLot describes a lot to append.
type NewLot struct {
	Partition    Partition
	Weight       decimal.Decimal
	Description  string
	CleanedDelta decimal.Decimal
	RejectDelta  decimal.Decimal
	RawDelta     decimal.Decimal // used only when the lot is not a true raw inbound
	Purity       decimal.NullDecimal
	Grade        string
}

// IntakeInput registers a physical intake through the public API.
type IntakeInput struct {
	Partition   Partition
	Weight      decimal.Decimal
	Purity      decimal.NullDecimal
	Description string
	Attachments []Attachment
}

// ComputeRunningBalance replays the partition's signed weights.
func ComputeRunningBalance(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		total = total.Add(l.Weight)
	}
	return Quantize(total)
}

// RunningBalances returns each lot paired with its prefix balance.
// lots must already be in Sequence order.
func RunningBalances(lots []Lot) []LotBalance {
	out := make([]LotBalance, 0, len(lots))
	bal := decimal.Zero
	for _, l := range lots {
		bal = Quantize(bal.Add(l.Weight))
		out = append(out, LotBalance{Lot: l, Balance: bal})
	}
	return out
}

// Totals aggregates a partition's lots.
func Totals(p Partition, lots []Lot) PartitionTotals {
	t := PartitionTotals{
		Partition:    p,
		Balance:      decimal.Zero,
		RawRemaining: decimal.Zero,
		Cleaned:      decimal.Zero,
		Reject:       decimal.Zero,
		Lots:         len(lots),
	}
	for _, l := range lots {
		t.Balance = t.Balance.Add(l.Weight)
		t.RawRemaining = t.RawRemaining.Add(l.RawRemaining)
		t.Cleaned = t.Cleaned.Add(l.CleanedTotal)
		t.Reject = t.Reject.Add(l.RejectTotal)
	}
	t.Balance = Quantize(t.Balance)
	t.RawRemaining = Quantize(t.RawRemaining)
	t.Cleaned = Quantize(t.Cleaned)
	t.Reject = Quantize(t.Reject)
	return t
}

// appendLot builds and inserts a lot inside an open transaction.
func (l *LotLedger) appendLot(ctx context.Context, st Store, in NewLot, actor Actor) (Lot, error) {
	if err := in.Partition.Validate(); err != nil {
		return Lot{}, err
	}
	if Quantize(in.Weight).IsZero() {
		return Lot{}, &FieldError{Field: "weight", Message: "must be non-zero at 0.001 precision"}
	}
	seed, err := l.rt.MasterData.LookupSeedType(ctx, in.Partition.Seed)
	if err != nil {
		return Lot{}, err
	}
	maxNo, err := st.MaxInOutNo(ctx, in.Partition)
	if err != nil {
		return Lot{}, err
	}

	lot := Lot{
		ID:           LotID(l.rt.NewID()),
		Partition:    in.Partition,
		SeedTypeID:   seed.ID,
		InOutNo:      maxNo + 1,
		Description:  in.Description,
		Weight:       Quantize(in.Weight),
		CleanedTotal: Quantize(in.CleanedDelta),
		RejectTotal:  Quantize(in.RejectDelta),
		RawBalance:   Quantize(in.RawDelta),
		Purity:       in.Purity,
		Grade:        in.Grade,
		CreatedBy:    actor.ID,
		CreatedAt:    l.rt.Now(),
	}
	if lot.IsTrueRawInbound() {
		lot.RawBalance = lot.Weight
		lot.RawRemaining = lot.Weight
	} else if lot.RawBalance.IsPositive() {
		lot.RawRemaining = lot.RawBalance
	}
	if lot.Grade == "" && lot.Purity.Valid {
		if g, ok := GradeFor(seed.Grades, lot.Purity.Decimal); ok {
			lot.Grade = g
		}
	}
	if err := st.InsertLot(ctx, &lot); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// RegisterIntake appends a true raw inbound lot after checking the warehouse.
func (l *LotLedger) RegisterIntake(ctx context.Context, in IntakeInput, actor Actor) (Lot, error) {
	if err := requireActor(actor); err != nil {
		return Lot{}, err
	}
	if !Quantize(in.Weight).IsPositive() {
		return Lot{}, &FieldError{Field: "weight", Message: "intake weight must be at least 0.001"}
	}
	ok, err := l.rt.MasterData.ValidateWarehouse(ctx, in.Partition.Warehouse)
	if err != nil {
		return Lot{}, err
	}
	if !ok {
		return Lot{}, &FieldError{Field: "warehouse", Message: "unknown or non-DGT warehouse " + in.Partition.Warehouse}
	}

	var lot Lot
	err = l.rt.mutate(ctx, "lot.intake", func(st Store, box *outbox) error {
		var err error
		lot, err = l.appendLot(ctx, st, NewLot{
			Partition:   in.Partition,
			Weight:      in.Weight,
			Purity:      in.Purity,
			Description: in.Description,
		}, actor)
		if err != nil {
			return err
		}
		atts := l.rt.stampAttachments(SubjectLot, string(lot.ID), actor, in.Attachments)
		if err := l.rt.saveAttachments(ctx, st, box, atts); err != nil {
			return err
		}
		box.emit(Event{
			Type:      EventLotRegistered,
			SubjectID: string(lot.ID),
			Partition: lot.Partition,
			Quantity:  lot.Weight,
			Actor:     actor.ID,
			At:        lot.CreatedAt,
		})
		return nil
	})
	return lot, err
}

// Get returns a lot by ID.
func (l *LotLedger) Get(ctx context.Context, id LotID) (Lot, error) {
	var lot Lot
	err := l.rt.view(ctx, func(st Store) error {
		var err error
		lot, err = st.GetLot(ctx, id)
		return err
	})
	return lot, err
}

// RunningBalance derives the partition's current balance.
func (l *LotLedger) RunningBalance(ctx context.Context, p Partition) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := l.rt.view(ctx, func(st Store) error {
		lots, err := st.ListLots(ctx, p)
		if err != nil {
			return err
		}
		bal = ComputeRunningBalance(lots)
		return nil
	})
	return bal, err
}

// BinCard returns the partition's lots with their prefix balances.
func (l *LotLedger) BinCard(ctx context.Context, p Partition) ([]LotBalance, error) {
	var out []LotBalance
	err := l.rt.view(ctx, func(st Store) error {
		lots, err := st.ListLots(ctx, p)
		if err != nil {
			return err
		}
		out = RunningBalances(lots)
		return nil
	})
	return out, err
}

// Totals returns the partition's aggregated sub-totals.
func (l *LotLedger) Totals(ctx context.Context, p Partition) (PartitionTotals, error) {
	var t PartitionTotals
	err := l.rt.view(ctx, func(st Store) error {
		lots, err := st.ListLots(ctx, p)
		if err != nil {
			return err
		}
		t = Totals(p, lots)
		return nil
	})
	return t, err
}

// Pools returns the partition's balance pool buckets.
func (l *LotLedger) Pools(ctx context.Context, p Partition) ([]PoolEntry, error) {
	var out []PoolEntry
	err := l.rt.view(ctx, func(st Store) error {
		var err error
		out, err = st.ListPoolEntries(ctx, p)
		return err
	})
	return out, err
}

// Movements returns the transaction log rows touching a lot.
func (l *LotLedger) Movements(ctx context.Context, id LotID) ([]Transaction, error) {
	var out []Transaction
	err := l.rt.view(ctx, func(st Store) error {
		if _, err := st.GetLot(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = st.ListTransactionsByLot(ctx, id)
		return err
	})
	return out, err
}

// Attachments lists document references for a subject.
func (l *LotLedger) Attachments(ctx context.Context, kind SubjectKind, id string) ([]Attachment, error) {
	var out []Attachment
	err := l.rt.view(ctx, func(st Store) error {
		var err error
		out, err = st.ListAttachments(ctx, kind, id)
		return err
	})
	return out, err
}

// consumeRaw deducts qty from the partition's raw remaining, FIFO by
// Sequence, and records a RAW_OUT movement per lot touched.
func (l *LotLedger) consumeRaw(ctx context.Context, st Store, p Partition, qty decimal.Decimal, res ReservationID) error {
	lots, err := st.ListLots(ctx, p)
	if err != nil {
		return err
	}
	avail := decimal.Zero
	for _, lot := range lots {
		if lot.RawRemaining.IsPositive() {
			avail = avail.Add(lot.RawRemaining)
		}
	}
	if avail.LessThan(qty) {
		return &InsufficientBalanceError{What: "raw remaining", Available: avail, Requested: qty}
	}
	remaining := qty
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if !lot.RawRemaining.IsPositive() {
			continue
		}
		take := minDecimal(lot.RawRemaining, remaining)
		lot.RawRemaining = Quantize(lot.RawRemaining.Sub(take))
		if err := st.UpdateLotTotals(ctx, lot); err != nil {
			return err
		}
		if err := st.AppendTransaction(ctx, Transaction{
			ID:            TransactionID(l.rt.NewID()),
			Kind:          MovementRawOut,
			Quantity:      take,
			LotID:         lot.ID,
			ReservationID: res,
			GradeBefore:   lot.Grade,
			GradeAfter:    lot.Grade,
			CreatedAt:     l.rt.Now(),
		}); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
