/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger's entities from the external contract.

NAMING CONVENTION:
  - *DTO:     Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:
  Weights and purities travel as decimal strings ("48.000"). Requests
  accept either strings or JSON numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dgt/seed-ledger/ledger"
)

// =============================================================================
// SHARED
// =============================================================================

// ErrorResponse carries the machine-readable kind and a human reason.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type AttachmentRequest struct {
	Kind ledger.AttachmentKind `json:"kind"`
	Key  string                `json:"key"`
}

func toAttachments(in []AttachmentRequest) []ledger.Attachment {
	out := make([]ledger.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, ledger.Attachment{Kind: a.Kind, Key: a.Key})
	}
	return out
}

// =============================================================================
// LOTS
// =============================================================================

type IntakeRequest struct {
	Seed        string              `json:"seed"`
	Owner       string              `json:"owner"`
	Warehouse   string              `json:"warehouse"`
	Weight      decimal.Decimal     `json:"weight"`
	Purity      decimal.NullDecimal `json:"purity"`
	Description string              `json:"description"`
	Attachments []AttachmentRequest `json:"attachments"`
}

type LotDTO struct {
	ID           string              `json:"id"`
	Partition    ledger.Partition    `json:"partition"`
	SeedTypeID   string              `json:"seed_type_id"`
	InOutNo      int                 `json:"in_out_no"`
	Description  string              `json:"description,omitempty"`
	Weight       decimal.Decimal     `json:"weight"`
	RawBalance   decimal.Decimal     `json:"raw_balance"`
	RawRemaining decimal.Decimal     `json:"raw_remaining"`
	Cleaned      decimal.Decimal     `json:"cleaned"`
	Reject       decimal.Decimal     `json:"reject"`
	Purity       decimal.NullDecimal `json:"purity"`
	Grade        string              `json:"grade,omitempty"`
	LastCleaned  *time.Time          `json:"last_cleaned,omitempty"`
	CreatedBy    string              `json:"created_by"`
	CreatedAt    time.Time           `json:"created_at"`
}

func toLotDTO(l ledger.Lot) LotDTO {
	return LotDTO{
		ID:           string(l.ID),
		Partition:    l.Partition,
		SeedTypeID:   l.SeedTypeID,
		InOutNo:      l.InOutNo,
		Description:  l.Description,
		Weight:       l.Weight,
		RawBalance:   l.RawBalance,
		RawRemaining: l.RawRemaining,
		Cleaned:      l.CleanedTotal,
		Reject:       l.RejectTotal,
		Purity:       l.Purity,
		Grade:        l.Grade,
		LastCleaned:  l.LastCleaned,
		CreatedBy:    l.CreatedBy,
		CreatedAt:    l.CreatedAt,
	}
}

// BinCardRowDTO is one lot with the partition balance after it.
type BinCardRowDTO struct {
	LotDTO
	Balance decimal.Decimal `json:"balance"`
}

type PartitionBalanceDTO struct {
	ledger.PartitionTotals
	BinCard []BinCardRowDTO `json:"bin_card"`
}

type PoolEntryDTO struct {
	ID        int64               `json:"id"`
	Purity    decimal.NullDecimal `json:"purity"`
	Cleaned   decimal.Decimal     `json:"cleaned"`
	Reject    decimal.Decimal     `json:"reject"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type TransactionDTO struct {
	ID            string              `json:"id"`
	Kind          ledger.MovementKind `json:"kind"`
	Quantity      decimal.Decimal     `json:"quantity"`
	LotID         string              `json:"lot_id"`
	RecordID      string              `json:"record_id,omitempty"`
	ReservationID string              `json:"reservation_id,omitempty"`
	GradeBefore   string              `json:"grade_before,omitempty"`
	GradeAfter    string              `json:"grade_after,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, t := range txs {
		out = append(out, TransactionDTO{
			ID:            string(t.ID),
			Kind:          t.Kind,
			Quantity:      t.Quantity,
			LotID:         string(t.LotID),
			RecordID:      string(t.RecordID),
			ReservationID: string(t.ReservationID),
			GradeBefore:   t.GradeBefore,
			GradeAfter:    t.GradeAfter,
			CreatedAt:     t.CreatedAt,
		})
	}
	return out
}

// =============================================================================
// PROCESSING
// =============================================================================

type DraftRequest struct {
	LotID        string               `json:"lot_id"`
	Operation    ledger.OperationType `json:"operation"`
	WeightIn     decimal.Decimal      `json:"weight_in"`
	WeightOut    decimal.Decimal      `json:"weight_out"`
	Rejects      decimal.Decimal      `json:"rejects"`
	PurityBefore decimal.Decimal      `json:"purity_before"`
	PurityAfter  decimal.Decimal      `json:"purity_after"`
	TargetPurity decimal.NullDecimal  `json:"target_purity"`
	Reason       string               `json:"reason"`
	Attachments  []AttachmentRequest  `json:"attachments"`
}

func (r DraftRequest) input() ledger.DraftInput {
	return ledger.DraftInput{
		LotID:        ledger.LotID(r.LotID),
		Operation:    r.Operation,
		WeightIn:     r.WeightIn,
		WeightOut:    r.WeightOut,
		Rejects:      r.Rejects,
		PurityBefore: r.PurityBefore,
		PurityAfter:  r.PurityAfter,
		TargetPurity: r.TargetPurity,
		Reason:       r.Reason,
		Attachments:  toAttachments(r.Attachments),
	}
}

type QualityCheckRequest struct {
	Purity decimal.Decimal `json:"purity"`
}

type RejectWeightRequest struct {
	ActualReject decimal.Decimal `json:"actual_reject"`
}

type DispositionRequest struct {
	Disposition ledger.RejectDisposition `json:"disposition"`
}

type RecordDTO struct {
	ID            string                   `json:"id"`
	LotID         string                   `json:"lot_id"`
	Operation     ledger.OperationType     `json:"operation"`
	State         ledger.RecordState       `json:"state"`
	Reason        string                   `json:"reason,omitempty"`
	WeightIn      decimal.Decimal          `json:"weight_in"`
	WeightOut     decimal.Decimal          `json:"weight_out"`
	Rejects       decimal.Decimal          `json:"rejects"`
	PurityBefore  decimal.Decimal          `json:"purity_before"`
	PurityAfter   decimal.Decimal          `json:"purity_after"`
	TargetPurity  decimal.NullDecimal      `json:"target_purity"`
	ActualReject  decimal.NullDecimal      `json:"actual_reject"`
	QualityChecks []ledger.QualityCheck    `json:"quality_checks"`
	Estimates     ledger.Estimates         `json:"estimates"`
	Disposition   ledger.RejectDisposition `json:"disposition,omitempty"`
	CreatedBy     string                   `json:"created_by"`
	PostedBy      string                   `json:"posted_by,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	PostedAt      *time.Time               `json:"posted_at,omitempty"`
}

func toRecordDTO(r ledger.ProcessingRecord) RecordDTO {
	checks := r.QualityChecks
	if checks == nil {
		checks = []ledger.QualityCheck{}
	}
	return RecordDTO{
		ID:            string(r.ID),
		LotID:         string(r.LotID),
		Operation:     r.Operation,
		State:         r.State,
		Reason:        r.Reason,
		WeightIn:      r.WeightIn,
		WeightOut:     r.WeightOut,
		Rejects:       r.Rejects,
		PurityBefore:  r.PurityBefore,
		PurityAfter:   r.PurityAfter,
		TargetPurity:  r.TargetPurity,
		ActualReject:  r.ActualReject,
		QualityChecks: checks,
		Estimates:     r.Estimates,
		Disposition:   r.Disposition,
		CreatedBy:     r.CreatedBy,
		PostedBy:      r.PostedBy,
		CreatedAt:     r.CreatedAt,
		PostedAt:      r.PostedAt,
	}
}

type EstimatesDTO struct {
	Estimates ledger.Estimates       `json:"estimates"`
	Balance   ledger.BalanceEstimate `json:"balance"`
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type SubmitReservationRequest struct {
	Seed        string              `json:"seed"`
	Owner       string              `json:"owner"`
	Warehouse   string              `json:"warehouse"`
	Class       ledger.StockClass   `json:"class"`
	Quantity    decimal.Decimal     `json:"quantity"`
	IsBorrow    bool                `json:"is_borrow"`
	Borrower    string              `json:"borrower"`
	Description string              `json:"description"`
	Attachments []AttachmentRequest `json:"attachments"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

type ReturnRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type ReservationDTO struct {
	ID              string                   `json:"id"`
	Partition       ledger.Partition         `json:"partition"`
	Class           ledger.StockClass        `json:"class"`
	Quantity        decimal.Decimal          `json:"quantity"`
	Status          ledger.ReservationStatus `json:"status"`
	Description     string                   `json:"description,omitempty"`
	IsBorrow        bool                     `json:"is_borrow"`
	Borrower        string                   `json:"borrower,omitempty"`
	BorrowerTracked bool                     `json:"borrower_tracked"`
	Outstanding     decimal.Decimal          `json:"outstanding"`
	Allocations     []ledger.Allocation      `json:"allocations,omitempty"`
	OutboundLotID   string                   `json:"outbound_lot_id,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
	RequestedBy     string                   `json:"requested_by"`
	FirstApprovedBy string                   `json:"first_approved_by,omitempty"`
	FirstApprovedAt *time.Time               `json:"first_approved_at,omitempty"`
	DecidedBy       string                   `json:"decided_by,omitempty"`
	DecidedAt       *time.Time               `json:"decided_at,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

func toReservationDTO(r ledger.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:              string(r.ID),
		Partition:       r.Partition,
		Class:           r.Class,
		Quantity:        r.Quantity,
		Status:          r.Status,
		Description:     r.Description,
		IsBorrow:        r.IsBorrow,
		Borrower:        r.Borrower,
		BorrowerTracked: r.BorrowerTracked,
		Outstanding:     r.Outstanding,
		Allocations:     r.Allocations,
		OutboundLotID:   string(r.OutboundLotID),
		Reason:          r.Reason,
		RequestedBy:     r.RequestedBy,
		FirstApprovedBy: r.FirstApprovedBy,
		FirstApprovedAt: r.FirstApprovedAt,
		DecidedBy:       r.DecidedBy,
		DecidedAt:       r.DecidedAt,
		CreatedAt:       r.CreatedAt,
	}
}

type AvailableDTO struct {
	Partition ledger.Partition  `json:"partition"`
	Class     ledger.StockClass `json:"class"`
	Available decimal.Decimal   `json:"available"`
}
