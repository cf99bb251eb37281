/*
reservation.go - Reservation / Approval Engine (stock-out requests)

PURPOSE:
  A reservation asks to take stock out of a partition. While it waits
  for a decision it holds its quantity: availability for everyone else
  is the pool (or raw remaining) minus every pending hold.

STATE MACHINE (one machine, borrow adds a stage):

    pending ──approve──▶ approved                    (standard)
    pending ──approve──▶ pending_secondary ──approve──▶ approved   (borrow)
    pending / pending_secondary ──decline──▶ declined
    approved (borrow) ──return...──▶ returned       (outstanding reaches 0)

ROLES:
  - pending -> next:            line manager or system manager
  - pending_secondary -> next:  system manager
  - returns:                    line manager or system manager

EXECUTION (on final approval):
  cleaned/reject:  pool debited FIFO, outbound lot with the matching
                   negative delta, one CLEANED_OUT/REJECT_OUT movement
  raw:             raw remaining deducted FIFO over the partition's
                   lots (RAW_OUT per lot), outbound lot with negative
                   raw balance
  borrow:          outstanding = quantity; an internal borrower gets an
                   inbound lot in its own partition

AVAILABILITY:
  Re-checked inside the approval transaction, excluding the
  reservation's own hold. If stock moved since submission the approval
  fails with a ConflictError and the reservation stays pending.

SEE ALSO:
  - pool.go: Debit / Restore
  - lots.go: appendLot / consumeRaw
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ReservationService runs the stock-out approval workflow.
type ReservationService struct {
	rt   *runtime
	lots *LotLedger
}

// SubmitInput describes a new stock-out request.
type SubmitInput struct {
	Partition      Partition
	Class          StockClass
	Quantity       decimal.Decimal
	IsBorrow       bool
	Borrower       string
	Description    string
	IdempotencyKey string
	Attachments    []Attachment
}

func (in SubmitInput) validate() error {
	if err := in.Partition.Validate(); err != nil {
		return err
	}
	if !in.Class.Valid() {
		return &FieldError{Field: "class", Message: fmt.Sprintf("unknown stock class %q", in.Class)}
	}
	if !Quantize(in.Quantity).IsPositive() {
		return &FieldError{Field: "quantity", Message: "must be at least 0.001"}
	}
	if in.IsBorrow {
		if strings.TrimSpace(in.Borrower) == "" {
			return &FieldError{Field: "borrower", Message: "required for a borrow"}
		}
		if in.Borrower == in.Partition.Owner {
			return &FieldError{Field: "borrower", Message: "borrower must differ from owner"}
		}
	}
	return nil
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// Available returns what can still be promised from a partition's class.
func (s *ReservationService) Available(ctx context.Context, p Partition, class StockClass) (decimal.Decimal, error) {
	var avail decimal.Decimal
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		avail, err = s.computeAvailable(ctx, st, p, class, "")
		return err
	})
	return avail, err
}

// computeAvailable is stock on hand minus the holds of every pending
// reservation on the same partition and class except exclude.
func (s *ReservationService) computeAvailable(ctx context.Context, st Store, p Partition, class StockClass, exclude ReservationID) (decimal.Decimal, error) {
	var onHand decimal.Decimal
	switch class {
	case ClassRaw:
		lots, err := st.ListLots(ctx, p)
		if err != nil {
			return decimal.Zero, err
		}
		onHand = decimal.Zero
		for _, l := range lots {
			if l.RawRemaining.IsPositive() {
				onHand = onHand.Add(l.RawRemaining)
			}
		}
	default:
		entries, err := st.ListPoolEntries(ctx, p)
		if err != nil {
			return decimal.Zero, err
		}
		onHand = PoolTotal(entries, class)
	}

	held, err := s.holds(ctx, st, p, class, exclude)
	if err != nil {
		return decimal.Zero, err
	}
	for _, r := range held {
		onHand = onHand.Sub(r.Quantity)
	}
	if onHand.IsNegative() {
		return decimal.Zero, nil
	}
	return Quantize(onHand), nil
}

func (s *ReservationService) holds(ctx context.Context, st Store, p Partition, class StockClass, exclude ReservationID) ([]Reservation, error) {
	return st.ListReservations(ctx, ReservationFilter{
		Statuses:  []ReservationStatus{StatusPending, StatusPendingSecondary},
		Partition: &p,
		Class:     class,
		Exclude:   exclude,
	})
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit creates a pending reservation. A request whose idempotency key
// is already known returns the existing reservation.
func (s *ReservationService) Submit(ctx context.Context, in SubmitInput, actor Actor) (Reservation, error) {
	if err := requireActor(actor); err != nil {
		return Reservation{}, err
	}
	if err := in.validate(); err != nil {
		return Reservation{}, err
	}
	qty := Quantize(in.Quantity)

	tracked := false
	if in.IsBorrow {
		var err error
		if tracked, err = s.rt.MasterData.IsInternalParty(ctx, in.Borrower); err != nil {
			return Reservation{}, err
		}
	}

	var res Reservation
	err := s.rt.mutate(ctx, "reservation.submit", func(st Store, box *outbox) error {
		if in.IdempotencyKey != "" {
			existing, err := st.GetReservationByKey(ctx, in.IdempotencyKey)
			if err == nil {
				res = existing
				return nil
			}
			if !isNotFound(err) {
				return err
			}
		}

		avail, err := s.computeAvailable(ctx, st, in.Partition, in.Class, "")
		if err != nil {
			return err
		}
		if qty.GreaterThan(avail) {
			return &InsufficientBalanceError{What: "available " + string(in.Class), Available: avail, Requested: qty}
		}

		now := s.rt.Now()
		res = Reservation{
			ID:              ReservationID(s.rt.NewID()),
			IdempotencyKey:  in.IdempotencyKey,
			Partition:       in.Partition,
			Class:           in.Class,
			Quantity:        qty,
			Status:          StatusPending,
			Description:     in.Description,
			IsBorrow:        in.IsBorrow,
			Borrower:        in.Borrower,
			BorrowerTracked: tracked,
			Outstanding:     decimal.Zero,
			RequestedBy:     actor.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := st.InsertReservation(ctx, res); err != nil {
			return err
		}
		atts := s.rt.stampAttachments(SubjectReservation, string(res.ID), actor, in.Attachments)
		if err := s.rt.saveAttachments(ctx, st, box, atts); err != nil {
			return err
		}
		box.emit(s.event(EventReservationSubmitted, res, actor))
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return s.byKey(ctx, in.IdempotencyKey)
	}
	return res, err
}

func (s *ReservationService) byKey(ctx context.Context, key string) (Reservation, error) {
	var res Reservation
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		res, err = st.GetReservationByKey(ctx, key)
		return err
	})
	return res, err
}

// =============================================================================
// APPROVE / DECLINE
// =============================================================================

// Approve advances a reservation one approval stage. A standard request
// and the second stage of a borrow execute the stock-out.
func (s *ReservationService) Approve(ctx context.Context, id ReservationID, actor Actor) (Reservation, error) {
	if err := requireActor(actor); err != nil {
		return Reservation{}, err
	}
	var res Reservation
	err := s.rt.mutate(ctx, "reservation.approve", func(st Store, box *outbox) error {
		var err error
		if res, err = st.GetReservation(ctx, id); err != nil {
			return err
		}
		if err := authorizeDecision(res, actor, actionApprove); err != nil {
			return err
		}

		avail, err := s.computeAvailable(ctx, st, res.Partition, res.Class, res.ID)
		if err != nil {
			return err
		}
		if res.Quantity.GreaterThan(avail) {
			return &ConflictError{ReservationID: res.ID, Available: avail, Requested: res.Quantity}
		}

		now := s.rt.Now()
		if res.Status == StatusPending && res.RequiresSecondaryApproval() {
			res.Status = StatusPendingSecondary
			res.FirstApprovedBy = actor.ID
			res.FirstApprovedAt = timePtr(now)
			res.UpdatedAt = now
			if err := st.UpdateReservation(ctx, res); err != nil {
				return err
			}
			box.emit(s.event(EventReservationPendingSecondary, res, actor))
			return nil
		}

		if err := s.execute(ctx, st, &res, actor); err != nil {
			return err
		}
		if res.IsBorrow {
			res.Outstanding = res.Quantity
			if res.BorrowerTracked {
				if _, err := s.lots.appendLot(ctx, st, NewLot{
					Partition:    res.borrowerPartition(),
					Weight:       res.Quantity,
					Description:  "borrowed under reservation " + string(res.ID),
					CleanedDelta: classDelta(res.Class, ClassCleaned, res.Quantity),
					RejectDelta:  classDelta(res.Class, ClassReject, res.Quantity),
				}, actor); err != nil {
					return err
				}
			}
		}
		res.Status = StatusApproved
		res.DecidedBy = actor.ID
		res.DecidedAt = timePtr(now)
		res.UpdatedAt = now
		if err := st.UpdateReservation(ctx, res); err != nil {
			return err
		}
		box.emit(s.event(EventReservationApproved, res, actor))
		return nil
	})
	return res, err
}

// execute takes the reservation's quantity out of stock and appends the
// outbound lot.
func (s *ReservationService) execute(ctx context.Context, st Store, res *Reservation, actor Actor) error {
	now := s.rt.Now()
	qty := res.Quantity
	neg := qty.Neg()
	out := NewLot{
		Partition:   res.Partition,
		Weight:      neg,
		Description: outboundDescription(*res),
	}

	switch res.Class {
	case ClassRaw:
		if err := s.lots.consumeRaw(ctx, st, res.Partition, qty, res.ID); err != nil {
			return err
		}
		out.RawDelta = neg
		lot, err := s.lots.appendLot(ctx, st, out, actor)
		if err != nil {
			return err
		}
		res.OutboundLotID = lot.ID
		return nil

	case ClassCleaned, ClassReject:
		allocs, err := Debit(ctx, st, res.Partition, res.Class, qty, now)
		if err != nil {
			return err
		}
		kind := MovementCleanedOut
		gradeAfter := ""
		if res.Class == ClassReject {
			out.RejectDelta = neg
			kind = MovementRejectOut
			gradeAfter = GradeReject
		} else {
			out.CleanedDelta = neg
		}
		lot, err := s.lots.appendLot(ctx, st, out, actor)
		if err != nil {
			return err
		}
		if gradeAfter == "" {
			gradeAfter = lot.Grade
		}
		if err := st.AppendTransaction(ctx, Transaction{
			ID:            TransactionID(s.rt.NewID()),
			Kind:          kind,
			Quantity:      qty,
			LotID:         lot.ID,
			ReservationID: res.ID,
			GradeBefore:   lot.Grade,
			GradeAfter:    gradeAfter,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		res.Allocations = allocs
		res.OutboundLotID = lot.ID
		return nil
	}
	return &FieldError{Field: "class", Message: fmt.Sprintf("unknown stock class %q", res.Class)}
}

// Decline ends a pending reservation without touching the ledger.
func (s *ReservationService) Decline(ctx context.Context, id ReservationID, reason string, actor Actor) (Reservation, error) {
	if err := requireActor(actor); err != nil {
		return Reservation{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Reservation{}, &FieldError{Field: "reason", Message: "a decline needs a reason"}
	}
	var res Reservation
	err := s.rt.mutate(ctx, "reservation.decline", func(st Store, box *outbox) error {
		var err error
		if res, err = st.GetReservation(ctx, id); err != nil {
			return err
		}
		if err := authorizeDecision(res, actor, actionDecline); err != nil {
			return err
		}
		now := s.rt.Now()
		res.Status = StatusDeclined
		res.Reason = reason
		res.DecidedBy = actor.ID
		res.DecidedAt = timePtr(now)
		res.UpdatedAt = now
		if err := st.UpdateReservation(ctx, res); err != nil {
			return err
		}
		box.emit(s.event(EventReservationDeclined, res, actor))
		return nil
	})
	return res, err
}

const (
	actionApprove = "approve"
	actionDecline = "decline"
)

// authorizeDecision checks the reservation is awaiting a decision the
// actor's role may take.
func authorizeDecision(res Reservation, actor Actor, action string) error {
	switch res.Status {
	case StatusPending:
		if actor.Role != RoleLineManager && actor.Role != RoleSystemManager {
			return fmt.Errorf("%s cannot %s reservation %s: %w", actor.Role, action, res.ID, ErrForbidden)
		}
		// The first stage of a borrow belongs to the line manager.
		if action == actionApprove && res.RequiresSecondaryApproval() && actor.Role != RoleLineManager {
			return fmt.Errorf("first stage of borrow %s needs %s, got %s: %w", res.ID, RoleLineManager, actor.Role, ErrForbidden)
		}
	case StatusPendingSecondary:
		if actor.Role != RoleSystemManager {
			return fmt.Errorf("second stage of reservation %s needs %s, got %s: %w", res.ID, RoleSystemManager, actor.Role, ErrForbidden)
		}
		if action == actionApprove && actor.ID == res.FirstApprovedBy {
			return fmt.Errorf("%s already approved the first stage of reservation %s: %w", actor.ID, res.ID, ErrForbidden)
		}
	default:
		return &StateError{
			Entity: "reservation",
			ID:     string(res.ID),
			State:  string(res.Status),
			Want:   "pending",
			err:    ErrAlreadyDecided,
		}
	}
	return nil
}

// =============================================================================
// BORROW RETURNS
// =============================================================================

// RegisterReturn books qty of an approved borrow back to its owner.
func (s *ReservationService) RegisterReturn(ctx context.Context, id ReservationID, qty decimal.Decimal, actor Actor) (Reservation, error) {
	if err := requireActor(actor); err != nil {
		return Reservation{}, err
	}
	if actor.Role != RoleLineManager && actor.Role != RoleSystemManager {
		return Reservation{}, fmt.Errorf("%s cannot register returns: %w", actor.Role, ErrForbidden)
	}
	qty = Quantize(qty)
	if !qty.IsPositive() {
		return Reservation{}, &FieldError{Field: "quantity", Message: "must be at least 0.001"}
	}

	var res Reservation
	err := s.rt.mutate(ctx, "reservation.return", func(st Store, box *outbox) error {
		var err error
		if res, err = st.GetReservation(ctx, id); err != nil {
			return err
		}
		if !res.IsBorrow || res.Status != StatusApproved || !res.Outstanding.IsPositive() {
			return &StateError{
				Entity: "reservation",
				ID:     string(res.ID),
				State:  string(res.Status),
				Want:   "approved borrow with outstanding quantity",
				err:    ErrAlreadyDecided,
			}
		}
		if qty.GreaterThan(res.Outstanding) {
			return &FieldError{Field: "quantity", Message: fmt.Sprintf("return %s exceeds outstanding %s", qty, res.Outstanding)}
		}

		now := s.rt.Now()
		if res.Class != ClassRaw {
			if res.Allocations, err = Restore(ctx, st, res.Allocations, res.Class, qty, now); err != nil {
				return err
			}
		}
		if _, err := s.lots.appendLot(ctx, st, NewLot{
			Partition:    res.Partition,
			Weight:       qty,
			Description:  "returned under reservation " + string(res.ID),
			CleanedDelta: classDelta(res.Class, ClassCleaned, qty),
			RejectDelta:  classDelta(res.Class, ClassReject, qty),
		}, actor); err != nil {
			return err
		}

		if res.BorrowerTracked {
			bp := res.borrowerPartition()
			back := NewLot{
				Partition:    bp,
				Weight:       qty.Neg(),
				Description:  "returned under reservation " + string(res.ID),
				CleanedDelta: classDelta(res.Class, ClassCleaned, qty.Neg()),
				RejectDelta:  classDelta(res.Class, ClassReject, qty.Neg()),
			}
			if res.Class == ClassRaw {
				if err := s.lots.consumeRaw(ctx, st, bp, qty, res.ID); err != nil {
					return err
				}
				back.RawDelta = qty.Neg()
			}
			if _, err := s.lots.appendLot(ctx, st, back, actor); err != nil {
				return err
			}
		}

		res.Outstanding = Quantize(res.Outstanding.Sub(qty))
		if res.Outstanding.IsZero() {
			res.Status = StatusReturned
		}
		res.UpdatedAt = now
		if err := st.UpdateReservation(ctx, res); err != nil {
			return err
		}
		ev := s.event(EventReservationReturned, res, actor)
		ev.Quantity = qty
		box.emit(ev)
		return nil
	})
	return res, err
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *ReservationService) Get(ctx context.Context, id ReservationID) (Reservation, error) {
	var res Reservation
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		res, err = st.GetReservation(ctx, id)
		return err
	})
	return res, err
}

func (s *ReservationService) List(ctx context.Context, f ReservationFilter) ([]Reservation, error) {
	var out []Reservation
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		out, err = st.ListReservations(ctx, f)
		return err
	})
	return out, err
}

// Holds lists the reservations currently holding stock in a partition.
func (s *ReservationService) Holds(ctx context.Context, p Partition, class StockClass) ([]Reservation, error) {
	var out []Reservation
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		out, err = s.holds(ctx, st, p, class, "")
		return err
	})
	return out, err
}

func (s *ReservationService) event(t EventType, r Reservation, actor Actor) Event {
	return Event{
		Type:      t,
		SubjectID: string(r.ID),
		Status:    string(r.Status),
		Partition: r.Partition,
		Quantity:  r.Quantity,
		Reason:    r.Reason,
		Actor:     actor.ID,
		At:        s.rt.Now(),
	}
}

func (r Reservation) borrowerPartition() Partition {
	return Partition{Seed: r.Partition.Seed, Owner: r.Borrower, Warehouse: r.Partition.Warehouse}
}

// classDelta returns qty when the reservation class is want, else zero.
func classDelta(class, want StockClass, qty decimal.Decimal) decimal.Decimal {
	if class == want {
		return qty
	}
	return decimal.Zero
}

func outboundDescription(r Reservation) string {
	if r.Description != "" {
		return r.Description
	}
	if r.IsBorrow {
		return "borrow by " + r.Borrower
	}
	return "stock out"
}
