/*
processing.go - Processing Record Engine (cleaning state machine)

PURPOSE:
  A processing record describes one cleaning operation on one lot: how
  much raw weight went in, how much cleaned output and rejects came out,
  and the purity before and after. Posting applies it to the Lot Ledger,
  the Balance Pool Store and the Transaction Log in one transaction.

STATE MACHINE:

    ┌───────┐  RecordRejectWeight  ┌───────┐
    │ draft │ ───────────────────▶ │ ready │
    └───────┘                      └───────┘
        │  Post                        │ Post
        ▼                              ▼
    ┌──────────────────────────────────────┐
    │               posted                 │
    └──────────────────────────────────────┘
        │  Reverse (system manager only)
        ▼
      draft

VALIDATION (before any mutation):
  - weightIn > 0, weightOut >= 0, rejects >= 0
  - |weightIn - (weightOut + rejects)| <= weightIn * massTolerance
  - weightIn <= lot.RawRemaining
  - purityAfter >= purityBefore

POSTING:
  1. lot raw balance/remaining -= weightIn
  2. lot cleaned += weightOut, reject += rejects, purity = purityAfter,
     grade re-looked-up from the seed type's grading table
  3. reject bucket += rejects; cleaned bucket matching purityAfter
     (tolerance band, else new bucket) += weightOut
  4. RAW_OUT, CLEANED_IN, REJECT_OUT appended, each tied to the record
  Posting a posted record is a no-op that returns it unchanged.

REVERSAL:
  Uses the record's transactions as ground truth, including the exact
  pool buckets they credited, so the reversal is the algebraic inverse
  of the posting. The transactions are then deleted and the record
  returns to draft.

SEE ALSO:
  - estimates.go: expected reject / balance estimates
  - pool.go: bucket credit and removal
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ProcessingService runs the cleaning state machine.
type ProcessingService struct {
	rt   *runtime
	lots *LotLedger
}

// DraftInput describes a new or edited draft record.
type DraftInput struct {
	LotID        LotID
	Operation    OperationType
	WeightIn     decimal.Decimal
	WeightOut    decimal.Decimal
	Rejects      decimal.Decimal
	PurityBefore decimal.Decimal
	PurityAfter  decimal.Decimal
	TargetPurity decimal.NullDecimal
	Reason       string
	Attachments  []Attachment
}

// =============================================================================
// DRAFT LIFECYCLE
// =============================================================================

// Create opens a draft record on a lot.
func (s *ProcessingService) Create(ctx context.Context, in DraftInput, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if err := validateDraft(in); err != nil {
		return ProcessingRecord{}, err
	}

	var rec ProcessingRecord
	err := s.rt.mutate(ctx, "processing.create", func(st Store, box *outbox) error {
		if _, err := st.GetLot(ctx, in.LotID); err != nil {
			return err
		}
		now := s.rt.Now()
		rec = ProcessingRecord{
			ID:        RecordID(s.rt.NewID()),
			CreatedBy: actor.ID,
			CreatedAt: now,
			State:     StateDraft,
		}
		applyDraft(&rec, in)
		rec.UpdatedAt = now
		rec.Estimates = ComputeEstimates(rec, s.rt.Settings)
		if err := st.SaveRecord(ctx, rec); err != nil {
			return err
		}
		atts := s.rt.stampAttachments(SubjectRecord, string(rec.ID), actor, in.Attachments)
		return s.rt.saveAttachments(ctx, st, box, atts)
	})
	return rec, err
}

// UpdateDraft replaces the measured values of a draft or ready record.
func (s *ProcessingService) UpdateDraft(ctx context.Context, id RecordID, in DraftInput, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if err := validateDraft(in); err != nil {
		return ProcessingRecord{}, err
	}
	return s.editDraft(ctx, "processing.update", id, func(rec *ProcessingRecord) error {
		if in.LotID != "" && in.LotID != rec.LotID {
			return &FieldError{Field: "lot", Message: "lot of a record cannot change"}
		}
		in.LotID = rec.LotID
		applyDraft(rec, in)
		return nil
	})
}

// AddQualityCheck records a lab purity sample on a draft record.
func (s *ProcessingService) AddQualityCheck(ctx context.Context, id RecordID, purity decimal.Decimal, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if err := validatePurity("purity", purity); err != nil {
		return ProcessingRecord{}, err
	}
	return s.editDraft(ctx, "processing.quality_check", id, func(rec *ProcessingRecord) error {
		rec.QualityChecks = append(rec.QualityChecks, QualityCheck{
			Purity:  purity,
			TakenBy: actor.ID,
			TakenAt: s.rt.Now(),
		})
		return nil
	})
}

// RecordRejectWeight stores the weighed reject output and marks the
// record ready for posting.
func (s *ProcessingService) RecordRejectWeight(ctx context.Context, id RecordID, actual decimal.Decimal, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if actual.IsNegative() {
		return ProcessingRecord{}, &FieldError{Field: "actual_reject_weight", Message: "must be >= 0"}
	}
	return s.editDraft(ctx, "processing.reject_weight", id, func(rec *ProcessingRecord) error {
		actual = Quantize(actual)
		rec.ActualReject = nullDecimal(actual)
		rec.Rejects = actual
		rec.State = StateReady
		return nil
	})
}

// ReclassifyRejects sets where a record's rejects go. Allowed in any state.
func (s *ProcessingService) ReclassifyRejects(ctx context.Context, id RecordID, d RejectDisposition, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if !d.Valid() {
		return ProcessingRecord{}, &FieldError{Field: "disposition", Message: fmt.Sprintf("unknown disposition %q", d)}
	}
	var rec ProcessingRecord
	err := s.rt.mutate(ctx, "processing.reclassify", func(st Store, _ *outbox) error {
		var err error
		if rec, err = st.GetRecord(ctx, id); err != nil {
			return err
		}
		rec.Disposition = d
		rec.UpdatedAt = s.rt.Now()
		return st.SaveRecord(ctx, rec)
	})
	return rec, err
}

func (s *ProcessingService) editDraft(ctx context.Context, op string, id RecordID, fn func(*ProcessingRecord) error) (ProcessingRecord, error) {
	var rec ProcessingRecord
	err := s.rt.mutate(ctx, op, func(st Store, _ *outbox) error {
		var err error
		if rec, err = st.GetRecord(ctx, id); err != nil {
			return err
		}
		if !rec.Mutable() {
			return alreadyPosted(rec.ID)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.rt.Now()
		rec.Estimates = ComputeEstimates(rec, s.rt.Settings)
		return st.SaveRecord(ctx, rec)
	})
	return rec, err
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks a record against the lot it would consume.
func (s *ProcessingService) Validate(rec ProcessingRecord, lot Lot) error {
	weightIn := Quantize(rec.WeightIn)
	weightOut := Quantize(rec.WeightOut)
	rejects := Quantize(rec.Rejects)
	if !weightIn.IsPositive() {
		return &FieldError{Field: "weight_in", Message: "must be > 0"}
	}
	if weightOut.IsNegative() || rejects.IsNegative() {
		return &FieldError{Field: "weight_out", Message: "output and rejects must be >= 0"}
	}
	allowed := weightIn.Mul(s.rt.Settings.MassBalanceTolerance)
	if weightIn.Sub(weightOut.Add(rejects)).Abs().GreaterThan(allowed) {
		return &MassBalanceError{WeightIn: weightIn, WeightOut: weightOut, Rejects: rejects, Allowed: allowed}
	}
	if remaining := Quantize(lot.RawRemaining); remaining.LessThan(weightIn) {
		return &InsufficientBalanceError{What: "raw remaining", Available: remaining, Requested: weightIn}
	}
	if rec.PurityAfter.LessThan(rec.PurityBefore) {
		return &PurityOrderError{Before: rec.PurityBefore, After: rec.PurityAfter}
	}
	return nil
}

func validateDraft(in DraftInput) error {
	if in.Operation == "" {
		in.Operation = OpCleaning
	}
	if !Quantize(in.WeightIn).IsPositive() {
		return &FieldError{Field: "weight_in", Message: "must be at least 0.001"}
	}
	if Quantize(in.WeightOut).IsNegative() {
		return &FieldError{Field: "weight_out", Message: "must be >= 0"}
	}
	if Quantize(in.Rejects).IsNegative() {
		return &FieldError{Field: "rejects", Message: "must be >= 0"}
	}
	if err := validatePurity("purity_before", in.PurityBefore); err != nil {
		return err
	}
	if err := validatePurity("purity_after", in.PurityAfter); err != nil {
		return err
	}
	switch in.Operation {
	case OpCleaning:
		if !in.TargetPurity.Valid {
			return &FieldError{Field: "target_purity", Message: "required for cleaning"}
		}
		t := in.TargetPurity.Decimal
		if t.LessThan(in.PurityBefore) || t.GreaterThan(hundred) {
			return &FieldError{Field: "target_purity", Message: "must be between purity before and 100"}
		}
	case OpRecleaning:
		if strings.TrimSpace(in.Reason) == "" {
			return &FieldError{Field: "reason", Message: "required for recleaning"}
		}
	default:
		return &FieldError{Field: "operation", Message: fmt.Sprintf("unknown operation %q", in.Operation)}
	}
	return nil
}

func validatePurity(field string, p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return &FieldError{Field: field, Message: "must be between 0 and 100"}
	}
	return nil
}

func applyDraft(rec *ProcessingRecord, in DraftInput) {
	op := in.Operation
	if op == "" {
		op = OpCleaning
	}
	rec.LotID = in.LotID
	rec.Operation = op
	rec.WeightIn = Quantize(in.WeightIn)
	rec.WeightOut = Quantize(in.WeightOut)
	rec.Rejects = Quantize(in.Rejects)
	rec.PurityBefore = in.PurityBefore
	rec.PurityAfter = in.PurityAfter
	rec.TargetPurity = in.TargetPurity
	rec.Reason = in.Reason
}

// =============================================================================
// POST / REVERSE
// =============================================================================

// Post applies a record to the ledger. Posting a posted record returns
// it unchanged.
func (s *ProcessingService) Post(ctx context.Context, id RecordID, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	var rec ProcessingRecord
	err := s.rt.mutate(ctx, "processing.post", func(st Store, box *outbox) error {
		var err error
		if rec, err = st.GetRecord(ctx, id); err != nil {
			return err
		}
		if rec.State == StatePosted {
			return nil
		}
		lot, err := st.GetLot(ctx, rec.LotID)
		if err != nil {
			return err
		}
		seed, err := s.rt.MasterData.LookupSeedType(ctx, lot.Partition.Seed)
		if err != nil {
			return err
		}
		if err := s.Validate(rec, lot); err != nil {
			return err
		}

		now := s.rt.Now()
		weightIn := Quantize(rec.WeightIn)
		weightOut := Quantize(rec.WeightOut)
		rejects := Quantize(rec.Rejects)

		gradeBefore := lot.Grade
		gradeAfter := gradeBefore
		if g, ok := GradeFor(seed.Grades, rec.PurityAfter); ok {
			gradeAfter = g
		}

		lot.RawBalance = Quantize(lot.RawBalance.Sub(weightIn))
		lot.RawRemaining = Quantize(lot.RawRemaining.Sub(weightIn))
		lot.CleanedTotal = Quantize(lot.CleanedTotal.Add(weightOut))
		lot.RejectTotal = Quantize(lot.RejectTotal.Add(rejects))
		lot.Purity = nullDecimal(rec.PurityAfter)
		lot.Grade = gradeAfter
		lot.LastCleaned = timePtr(now)
		if err := st.UpdateLotTotals(ctx, lot); err != nil {
			return err
		}

		var rejectEntry, cleanedEntry int64
		if rejects.IsPositive() {
			e, err := CreditReject(ctx, st, lot.Partition, rejects, now)
			if err != nil {
				return err
			}
			rejectEntry = e.ID
		}
		if weightOut.IsPositive() {
			e, err := CreditCleaned(ctx, st, lot.Partition, rec.PurityAfter, weightOut, s.rt.purityTolerance(seed), now)
			if err != nil {
				return err
			}
			cleanedEntry = e.ID
		}

		movements := []Transaction{
			{Kind: MovementRawOut, Quantity: weightIn, GradeAfter: gradeBefore},
			{Kind: MovementCleanedIn, Quantity: weightOut, GradeAfter: gradeAfter, PoolEntryID: cleanedEntry},
			{Kind: MovementRejectOut, Quantity: rejects, GradeAfter: GradeReject, PoolEntryID: rejectEntry},
		}
		for _, tx := range movements {
			tx.ID = TransactionID(s.rt.NewID())
			tx.LotID = lot.ID
			tx.RecordID = rec.ID
			tx.GradeBefore = gradeBefore
			tx.CreatedAt = now
			if err := st.AppendTransaction(ctx, tx); err != nil {
				return err
			}
		}

		rec.State = StatePosted
		rec.PostedBy = actor.ID
		rec.PostedAt = timePtr(now)
		rec.UpdatedAt = now
		if err := st.SaveRecord(ctx, rec); err != nil {
			return err
		}
		box.emit(Event{
			Type:      EventProcessingPosted,
			SubjectID: string(rec.ID),
			Status:    string(rec.State),
			Partition: lot.Partition,
			Quantity:  weightIn,
			Actor:     actor.ID,
			At:        now,
		})
		return nil
	})
	return rec, err
}

// Reverse undoes a posting exactly and returns the record to draft.
func (s *ProcessingService) Reverse(ctx context.Context, id RecordID, actor Actor) (ProcessingRecord, error) {
	if err := requireActor(actor); err != nil {
		return ProcessingRecord{}, err
	}
	if actor.Role != RoleSystemManager {
		return ProcessingRecord{}, fmt.Errorf("reverse requires role %s: %w", RoleSystemManager, ErrForbidden)
	}
	var rec ProcessingRecord
	err := s.rt.mutate(ctx, "processing.reverse", func(st Store, box *outbox) error {
		var err error
		if rec, err = st.GetRecord(ctx, id); err != nil {
			return err
		}
		if rec.State != StatePosted {
			return &StateError{Entity: "processing record", ID: string(rec.ID), State: string(rec.State), Want: string(StatePosted), err: ErrNotPosted}
		}
		txs, err := st.ListTransactions(ctx, rec.ID)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			return fmt.Errorf("processing record %s has no ledger movements: %w", rec.ID, ErrNotPosted)
		}
		lot, err := st.GetLot(ctx, rec.LotID)
		if err != nil {
			return err
		}

		now := s.rt.Now()
		gradeBefore := lot.Grade
		for _, tx := range txs {
			switch tx.Kind {
			case MovementRawOut:
				lot.RawBalance = Quantize(lot.RawBalance.Add(tx.Quantity))
				lot.RawRemaining = Quantize(lot.RawRemaining.Add(tx.Quantity))
				gradeBefore = tx.GradeBefore
			case MovementCleanedIn:
				lot.CleanedTotal = Quantize(lot.CleanedTotal.Sub(tx.Quantity))
				if tx.PoolEntryID != 0 {
					if err := Remove(ctx, st, tx.PoolEntryID, ClassCleaned, tx.Quantity, now); err != nil {
						return err
					}
				}
			case MovementRejectOut:
				lot.RejectTotal = Quantize(lot.RejectTotal.Sub(tx.Quantity))
				if tx.PoolEntryID != 0 {
					if err := Remove(ctx, st, tx.PoolEntryID, ClassReject, tx.Quantity, now); err != nil {
						return err
					}
				}
			}
		}
		lot.Grade = gradeBefore
		lot.Purity = nullDecimal(rec.PurityBefore)
		if err := st.UpdateLotTotals(ctx, lot); err != nil {
			return err
		}
		if err := st.DeleteTransactions(ctx, rec.ID); err != nil {
			return err
		}

		rec.State = StateDraft
		rec.PostedBy = ""
		rec.PostedAt = nil
		rec.UpdatedAt = now
		rec.Estimates = ComputeEstimates(rec, s.rt.Settings)
		if err := st.SaveRecord(ctx, rec); err != nil {
			return err
		}
		box.emit(Event{
			Type:      EventProcessingReversed,
			SubjectID: string(rec.ID),
			Status:    string(rec.State),
			Partition: lot.Partition,
			Quantity:  rec.WeightIn,
			Actor:     actor.ID,
			At:        now,
		})
		return nil
	})
	return rec, err
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *ProcessingService) Get(ctx context.Context, id RecordID) (ProcessingRecord, error) {
	var rec ProcessingRecord
	err := s.rt.view(ctx, func(st Store) error {
		var err error
		rec, err = st.GetRecord(ctx, id)
		return err
	})
	return rec, err
}

// ListByLot returns the records opened on a lot, oldest first.
func (s *ProcessingService) ListByLot(ctx context.Context, lot LotID) ([]ProcessingRecord, error) {
	var out []ProcessingRecord
	err := s.rt.view(ctx, func(st Store) error {
		if _, err := st.GetLot(ctx, lot); err != nil {
			return err
		}
		var err error
		out, err = st.ListRecordsByLot(ctx, lot)
		return err
	})
	return out, err
}

// Transactions lists the ledger movements of a posted record.
func (s *ProcessingService) Transactions(ctx context.Context, id RecordID) ([]Transaction, error) {
	var out []Transaction
	err := s.rt.view(ctx, func(st Store) error {
		if _, err := st.GetRecord(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = st.ListTransactions(ctx, id)
		return err
	})
	return out, err
}

// BalanceEstimate returns the three-way cleaned-output cross-check.
func (s *ProcessingService) BalanceEstimate(ctx context.Context, id RecordID) (BalanceEstimate, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return BalanceEstimate{}, err
	}
	return ComputeBalanceEstimate(rec, s.rt.Settings), nil
}

func alreadyPosted(id RecordID) error {
	return &StateError{Entity: "processing record", ID: string(id), State: string(StatePosted), Want: "draft or ready", err: ErrAlreadyPosted}
}
