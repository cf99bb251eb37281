package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgt/seed-ledger/ledger"
)

func TestStandardReservation_ApproveDebitsPool(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		lot := f.intake(t, sesame, "100")
		f.posted(t, lot.ID, "50", "48", "2")

		// GIVEN: a pending request for 30 kg cleaned
		res := f.submit(t, ledger.ClassCleaned, "30")
		assert.Equal(t, ledger.StatusPending, res.Status)
		assertDec(t, "18", f.available(t, ledger.ClassCleaned))
		assertDec(t, "48", f.poolTotal(t, ledger.ClassCleaned), "holds do not touch the pool")

		// Operators cannot decide.
		_, err := f.svc.Reservations.Approve(ctx, res.ID, operator)
		assert.ErrorIs(t, err, ledger.ErrForbidden)

		// WHEN: a line manager approves
		res, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		require.NoError(t, err)

		// THEN: the stock left the pool and an outbound lot was appended
		assert.Equal(t, ledger.StatusApproved, res.Status)
		assert.Equal(t, lineMgr.ID, res.DecidedBy)
		require.Len(t, res.Allocations, 1)
		assertDec(t, "30", res.Allocations[0].Quantity)
		assertDec(t, "18", f.poolTotal(t, ledger.ClassCleaned))
		assertDec(t, "18", f.available(t, ledger.ClassCleaned))

		out, err := f.svc.Lots.Get(ctx, res.OutboundLotID)
		require.NoError(t, err)
		assertDec(t, "-30", out.Weight)
		assertDec(t, "-30", out.CleanedTotal)
		assert.Equal(t, 2, out.InOutNo)

		moves, err := f.svc.Lots.Movements(ctx, out.ID)
		require.NoError(t, err)
		require.Len(t, moves, 1)
		assert.Equal(t, ledger.MovementCleanedOut, moves[0].Kind)
		assert.Equal(t, res.ID, moves[0].ReservationID)

		tot := f.totals(t, sesame)
		assertDec(t, "70", tot.Balance)
		assertDec(t, "18", tot.Cleaned)

		// Deciding twice is rejected.
		_, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
	})
}

func TestSubmit_ConcurrentRequestsCannotOversubscribe(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		lot := f.intake(t, sesame, "100")
		f.posted(t, lot.ID, "21", "20", "1")

		// WHEN: two 12 kg requests race against 20 kg of cleaned stock
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Reservations.Submit(ctx, ledger.SubmitInput{
					Partition: sesame,
					Class:     ledger.ClassCleaned,
					Quantity:  dec("12"),
				}, operator)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}()
		}
		wg.Wait()

		// THEN: exactly one is accepted
		var ok, short int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case ledger.KindOf(err) == ledger.KindInsufficientBalance:
				short++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, short)
		assertDec(t, "8", f.available(t, ledger.ClassCleaned))

		holds, err := f.svc.Reservations.Holds(ctx, sesame, ledger.ClassCleaned)
		require.NoError(t, err)
		assert.Len(t, holds, 1)
	})
}

func TestApprove_ConflictWhenStockMoved(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		lot := f.intake(t, sesame, "100")
		rec := f.posted(t, lot.ID, "21", "20", "1")
		res := f.submit(t, ledger.ClassCleaned, "12")

		// GIVEN: the posting that produced the stock is reversed
		_, err := f.svc.Processing.Reverse(ctx, rec.ID, systemMgr)
		require.NoError(t, err)

		// WHEN: approving
		_, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)

		// THEN: the approval fails as a conflict and the request keeps waiting
		var ce *ledger.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, ledger.KindConcurrencyConflict, ledger.KindOf(err))
		assert.True(t, ledger.IsRetryable(err))
		assert.True(t, ce.Available.IsZero())

		got, err := f.svc.Reservations.Get(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, got.Status)
		assert.Empty(t, got.Allocations)
	})
}

func TestDecline(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.intake(t, sesame, "100")
		res := f.submit(t, ledger.ClassRaw, "40")
		assertDec(t, "60", f.available(t, ledger.ClassRaw))

		_, err := f.svc.Reservations.Decline(ctx, res.ID, " ", lineMgr)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

		res, err = f.svc.Reservations.Decline(ctx, res.ID, "truck not available", lineMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusDeclined, res.Status)
		assert.Equal(t, "truck not available", res.Reason)

		// The hold is released and the ledger untouched.
		assertDec(t, "100", f.available(t, ledger.ClassRaw))
		assert.Equal(t, 1, f.totals(t, sesame).Lots)

		_, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		assert.Equal(t, ledger.KindAlreadyDecided, ledger.KindOf(err))
	})
}

func TestRawStockOut_ConsumesLotsFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		first := f.intake(t, sesame, "60")
		second := f.intake(t, sesame, "40")

		res := f.submit(t, ledger.ClassRaw, "70")
		res, err := f.svc.Reservations.Approve(ctx, res.ID, systemMgr)
		require.NoError(t, err)

		a, err := f.svc.Lots.Get(ctx, first.ID)
		require.NoError(t, err)
		b, err := f.svc.Lots.Get(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, a.RawRemaining.IsZero())
		assertDec(t, "30", b.RawRemaining)

		moves, err := f.svc.Lots.Movements(ctx, first.ID)
		require.NoError(t, err)
		require.Len(t, moves, 1)
		assert.Equal(t, ledger.MovementRawOut, moves[0].Kind)
		assertDec(t, "60", moves[0].Quantity)
		assert.Equal(t, res.ID, moves[0].ReservationID)

		out, err := f.svc.Lots.Get(ctx, res.OutboundLotID)
		require.NoError(t, err)
		assertDec(t, "-70", out.RawBalance)

		// Raw balances and raw remaining agree across the partition.
		lots, err := f.svc.Lots.BinCard(ctx, sesame)
		require.NoError(t, err)
		rawBalance, rawRemaining := decimal.Zero, decimal.Zero
		for _, row := range lots {
			rawBalance = rawBalance.Add(row.Lot.RawBalance)
			rawRemaining = rawRemaining.Add(row.Lot.RawRemaining)
		}
		assertDec(t, "30", rawBalance)
		assertDec(t, "30", rawRemaining)
		assertDec(t, "30", f.available(t, ledger.ClassRaw))
	})
}

func TestBorrow_TwoStageApprovalAndPartialReturns(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		lot := f.intake(t, sesame, "100")
		f.posted(t, lot.ID, "50", "48", "2")
		acme := ledger.Partition{Seed: sesame.Seed, Owner: "ACME", Warehouse: sesame.Warehouse}

		// GIVEN: a borrow of 10 kg cleaned by an internal company
		res, err := f.svc.Reservations.Submit(ctx, ledger.SubmitInput{
			Partition: sesame,
			Class:     ledger.ClassCleaned,
			Quantity:  dec("10"),
			IsBorrow:  true,
			Borrower:  "ACME",
		}, operator)
		require.NoError(t, err)
		assert.True(t, res.BorrowerTracked)

		// WHEN: the line manager approves
		res, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		require.NoError(t, err)

		// THEN: it waits for the system manager and still holds stock
		assert.Equal(t, ledger.StatusPendingSecondary, res.Status)
		assert.Equal(t, lineMgr.ID, res.FirstApprovedBy)
		assertDec(t, "38", f.available(t, ledger.ClassCleaned))
		assertDec(t, "48", f.poolTotal(t, ledger.ClassCleaned))

		_, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		assert.ErrorIs(t, err, ledger.ErrForbidden)

		// WHEN: the system manager approves
		res, err = f.svc.Reservations.Approve(ctx, res.ID, systemMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, res.Status)
		assertDec(t, "10", res.Outstanding)
		assertDec(t, "38", f.poolTotal(t, ledger.ClassCleaned))

		// AND: the borrower's partition received the stock
		assertDec(t, "10", f.totals(t, acme).Balance)
		assertDec(t, "10", f.totals(t, acme).Cleaned)

		// Operators cannot register returns.
		_, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("6"), operator)
		assert.ErrorIs(t, err, ledger.ErrForbidden)

		// WHEN: 6 kg come back
		res, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("6"), lineMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, res.Status)
		assertDec(t, "4", res.Outstanding)
		assertDec(t, "44", f.poolTotal(t, ledger.ClassCleaned))

		// A return that rounds to zero is rejected.
		_, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("0.0004"), lineMgr)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

		// Returning more than is outstanding is rejected.
		_, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("5"), lineMgr)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

		// WHEN: the last 4 kg come back
		res, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("4"), systemMgr)
		require.NoError(t, err)

		// THEN: the borrow is closed and both partitions are square
		assert.Equal(t, ledger.StatusReturned, res.Status)
		assert.True(t, res.Outstanding.IsZero())
		assertDec(t, "48", f.poolTotal(t, ledger.ClassCleaned))

		owner := f.totals(t, sesame)
		assertDec(t, "100", owner.Balance)
		assertDec(t, "48", owner.Cleaned)
		assert.True(t, f.totals(t, acme).Balance.IsZero())

		_, err = f.svc.Reservations.RegisterReturn(ctx, res.ID, dec("1"), lineMgr)
		assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)

		assert.Equal(t, []ledger.EventType{
			ledger.EventLotRegistered,
			ledger.EventProcessingPosted,
			ledger.EventReservationSubmitted,
			ledger.EventReservationPendingSecondary,
			ledger.EventReservationApproved,
			ledger.EventReservationReturned,
			ledger.EventReservationReturned,
		}, f.events.types())
	})
}

func TestBorrow_UntrackedBorrowerAndSecondStageDecline(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.intake(t, sesame, "100")

		in := ledger.SubmitInput{Partition: sesame, Class: ledger.ClassRaw, Quantity: dec("10"), IsBorrow: true}
		_, err := f.svc.Reservations.Submit(ctx, in, operator)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err), "borrower required")

		in.Borrower = "DGT"
		_, err = f.svc.Reservations.Submit(ctx, in, operator)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err), "borrower equals owner")

		in.Borrower = "Farmer union of Humera"
		res, err := f.svc.Reservations.Submit(ctx, in, operator)
		require.NoError(t, err)
		assert.False(t, res.BorrowerTracked)

		res, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingSecondary, res.Status)

		_, err = f.svc.Reservations.Decline(ctx, res.ID, "not this season", lineMgr)
		assert.ErrorIs(t, err, ledger.ErrForbidden)

		res, err = f.svc.Reservations.Decline(ctx, res.ID, "not this season", systemMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusDeclined, res.Status)
		assertDec(t, "100", f.available(t, ledger.ClassRaw))
	})
}

func TestBorrow_StagesNeedDistinctApprovers(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.intake(t, sesame, "100")
		res, err := f.svc.Reservations.Submit(ctx, ledger.SubmitInput{
			Partition: sesame,
			Class:     ledger.ClassRaw,
			Quantity:  dec("10"),
			IsBorrow:  true,
			Borrower:  "ACME",
		}, operator)
		require.NoError(t, err)

		// WHEN: the system manager tries the first stage
		_, err = f.svc.Reservations.Approve(ctx, res.ID, systemMgr)

		// THEN: only the line manager may take it
		assert.ErrorIs(t, err, ledger.ErrForbidden)
		got, err := f.svc.Reservations.Get(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, got.Status)
		assert.Empty(t, got.FirstApprovedBy)

		// GIVEN: the line manager approved the first stage
		res, err = f.svc.Reservations.Approve(ctx, res.ID, lineMgr)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusPendingSecondary, res.Status)

		// WHEN: the same person comes back with the system manager role
		sameperson := ledger.Actor{ID: lineMgr.ID, Role: ledger.RoleSystemManager}
		_, err = f.svc.Reservations.Approve(ctx, res.ID, sameperson)

		// THEN: the second stage is refused and stock is untouched
		assert.ErrorIs(t, err, ledger.ErrForbidden)
		got, err = f.svc.Reservations.Get(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingSecondary, got.Status)
		assertDec(t, "100", f.totals(t, sesame).RawRemaining)

		// A different system manager completes it.
		res, err = f.svc.Reservations.Approve(ctx, res.ID, systemMgr)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusApproved, res.Status)
		assert.Equal(t, lineMgr.ID, res.FirstApprovedBy)
		assert.Equal(t, systemMgr.ID, res.DecidedBy)
	})
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.intake(t, sesame, "100")
		in := ledger.SubmitInput{Partition: sesame, Class: ledger.ClassRaw, Quantity: dec("10"), IdempotencyKey: "truck-17"}

		first, err := f.svc.Reservations.Submit(ctx, in, operator)
		require.NoError(t, err)
		second, err := f.svc.Reservations.Submit(ctx, in, operator)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assertDec(t, "90", f.available(t, ledger.ClassRaw))

		list, err := f.svc.Reservations.List(ctx, ledger.ReservationFilter{Statuses: []ledger.ReservationStatus{ledger.StatusPending}})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		submitted := 0
		for _, e := range f.events.types() {
			if e == ledger.EventReservationSubmitted {
				submitted++
			}
		}
		assert.Equal(t, 1, submitted)
	})
}

func TestSubmit_Validation(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.intake(t, sesame, "100")

		_, err := f.svc.Reservations.Submit(ctx, ledger.SubmitInput{Partition: sesame, Class: "seedlings", Quantity: dec("1")}, operator)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

		_, err = f.svc.Reservations.Submit(ctx, ledger.SubmitInput{Partition: sesame, Class: ledger.ClassRaw, Quantity: dec("0")}, operator)
		assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

		// Quantities that round to zero at 0.001 are rejected, not stored as 0.
		_, err = f.svc.Reservations.Submit(ctx, ledger.SubmitInput{Partition: sesame, Class: ledger.ClassRaw, Quantity: dec("0.0004")}, operator)
		var fe *ledger.FieldError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "quantity", fe.Field)
		list, err := f.svc.Reservations.List(ctx, ledger.ReservationFilter{})
		require.NoError(t, err)
		assert.Empty(t, list)

		// 0.0005 rounds up to 1 g and is accepted.
		res, err := f.svc.Reservations.Submit(ctx, ledger.SubmitInput{Partition: sesame, Class: ledger.ClassRaw, Quantity: dec("0.0005")}, operator)
		require.NoError(t, err)
		assertDec(t, "0.001", res.Quantity)

		_, err = f.svc.Reservations.Submit(ctx, ledger.SubmitInput{Partition: sesame, Class: ledger.ClassCleaned, Quantity: dec("1")}, operator)
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.True(t, ib.Available.IsZero())
	})
}
