/*
types.go - Core data model for the seed-lot ledger

PURPOSE:
  Plain data entities shared by every service in this package. Entities
  carry no behavior beyond small derived accessors; invariant checks and
  multi-entity mutation live in the services (processing.go,
  reservation.go, lots.go).

KEY TYPES:
  Partition:          (seed symbol, owner, warehouse) - the scope of a
                      running balance and of a balance pool
  Lot:                one intake or outbound row (bin-card entry)
  PoolEntry:          one purity bucket of aggregated cleaned/reject stock
  Transaction:        immutable movement row tied to a lot
  ProcessingRecord:   one cleaning operation on one lot
  Reservation:        one stock-out request and its decision trail

QUANTITIES:
  All weights are decimal.Decimal quantized to 0.001 (see decimal.go).
  Signed weights are positive for inbound rows and negative for
  outbound rows.

SEE ALSO:
  - store.go: Persistence interfaces for these entities
  - errors.go: Error taxonomy
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & SCOPES
// =============================================================================

type LotID string

type RecordID string

type ReservationID string

type TransactionID string

// Partition scopes running balances and balance pools.
// Seed is the seed-type symbol; master data guarantees symbols are unique.
type Partition struct {
	Seed      string `json:"seed"`
	Owner     string `json:"owner"`
	Warehouse string `json:"warehouse"`
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%s/%s", p.Seed, p.Owner, p.Warehouse)
}

// Validate checks that every part of the partition is set.
func (p Partition) Validate() error {
	switch {
	case p.Seed == "":
		return &FieldError{Field: "seed", Message: "seed type is required"}
	case p.Owner == "":
		return &FieldError{Field: "owner", Message: "owner is required"}
	case p.Warehouse == "":
		return &FieldError{Field: "warehouse", Message: "warehouse is required"}
	}
	return nil
}

// StockClass selects which sub-total a stock movement touches.
type StockClass string

const (
	ClassCleaned StockClass = "cleaned"
	ClassReject  StockClass = "reject"
	ClassRaw     StockClass = "raw"
)

func (c StockClass) Valid() bool {
	switch c {
	case ClassCleaned, ClassReject, ClassRaw:
		return true
	}
	return false
}

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleOperator      Role = "operator"
	RoleLineManager   Role = "line_manager"
	RoleSystemManager Role = "system_manager"
)

// Actor is the acting principal resolved by the identity provider.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// =============================================================================
// LOT
// =============================================================================

// Lot is one intake or outbound event. Lots are append-only; only the
// sub-totals of inbound lots are mutated afterwards, by posting and
// by raw stock-out.
type Lot struct {
	ID          LotID
	Partition   Partition
	SeedTypeID  string
	InOutNo     int
	Description string

	// Signed weight: positive inbound, negative outbound.
	Weight decimal.Decimal

	// Raw stock carried by this row. RawBalance is the signed raw
	// contribution to the partition; RawRemaining is what is still
	// available for cleaning or raw stock-out.
	RawBalance   decimal.Decimal
	RawRemaining decimal.Decimal

	CleanedTotal decimal.Decimal
	RejectTotal  decimal.Decimal

	Purity      decimal.NullDecimal
	Grade       string
	LastCleaned *time.Time

	// Assigned by the store on insert. Creation order within a partition.
	Sequence int64

	CreatedBy string
	CreatedAt time.Time
}

// IsTrueRawInbound reports whether the lot is a plain raw intake:
// positive weight with no cleaned or reject delta.
func (l Lot) IsTrueRawInbound() bool {
	return l.Weight.IsPositive() && l.CleanedTotal.IsZero() && l.RejectTotal.IsZero()
}

// LotBalance pairs a lot with its derived running balance.
type LotBalance struct {
	Lot     Lot             `json:"lot"`
	Balance decimal.Decimal `json:"balance"`
}

// PartitionTotals aggregates a partition's sub-totals.
type PartitionTotals struct {
	Partition    Partition       `json:"partition"`
	Balance      decimal.Decimal `json:"balance"`
	RawRemaining decimal.Decimal `json:"raw_remaining"`
	Cleaned      decimal.Decimal `json:"cleaned"`
	Reject       decimal.Decimal `json:"reject"`
	Lots         int             `json:"lots"`
}

// =============================================================================
// BALANCE POOL
// =============================================================================

// PoolEntry is one purity bucket. The reject bucket has no purity.
type PoolEntry struct {
	ID        int64
	Partition Partition
	Purity    decimal.NullDecimal
	Cleaned   decimal.Decimal
	Reject    decimal.Decimal
	UpdatedAt time.Time
}

func (e PoolEntry) IsRejectBucket() bool { return !e.Purity.Valid }

// Allocation records how much a debit took from a bucket.
type Allocation struct {
	EntryID  int64           `json:"entry_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

type MovementKind string

const (
	MovementRawOut     MovementKind = "RAW_OUT"
	MovementCleanedIn  MovementKind = "CLEANED_IN"
	MovementRejectOut  MovementKind = "REJECT_OUT"
	MovementCleanedOut MovementKind = "CLEANED_OUT"
)

// GradeReject is recorded as grade-after on reject movements.
const GradeReject = "REJECT"

// Transaction is immutable once appended.
type Transaction struct {
	ID            TransactionID
	Kind          MovementKind
	Quantity      decimal.Decimal
	LotID         LotID
	RecordID      RecordID      // empty when not from a processing record
	ReservationID ReservationID // empty when not from a stock-out
	PoolEntryID   int64         // bucket credited or debited, 0 if none
	GradeBefore   string
	GradeAfter    string
	CreatedAt     time.Time
}

// =============================================================================
// PROCESSING RECORD
// =============================================================================

type RecordState string

const (
	StateDraft  RecordState = "draft"
	StateReady  RecordState = "ready"
	StatePosted RecordState = "posted"
)

type OperationType string

const (
	OpCleaning   OperationType = "cleaning"
	OpRecleaning OperationType = "recleaning"
)

type RejectDisposition string

const (
	DispositionNone   RejectDisposition = ""
	DispositionWaste  RejectDisposition = "waste"
	DispositionFeed   RejectDisposition = "feed"
	DispositionRework RejectDisposition = "rework"
)

func (d RejectDisposition) Valid() bool {
	switch d {
	case DispositionWaste, DispositionFeed, DispositionRework:
		return true
	}
	return false
}

// QualityCheck is one lab sample taken during a cleaning operation.
type QualityCheck struct {
	Purity  decimal.Decimal `json:"purity"`
	TakenBy string          `json:"taken_by"`
	TakenAt time.Time       `json:"taken_at"`
}

// Estimates are recomputed whenever a draft record changes.
type Estimates struct {
	ExpectedReject decimal.Decimal `json:"expected_reject"`
	Combined       decimal.Decimal `json:"combined"`
	Deviation      decimal.Decimal `json:"deviation"`
	Flagged        bool            `json:"flagged"`
}

// ProcessingRecord is one cleaning operation on one lot.
type ProcessingRecord struct {
	ID        RecordID
	LotID     LotID
	Operation OperationType
	State     RecordState
	Reason    string

	WeightIn  decimal.Decimal
	WeightOut decimal.Decimal
	Rejects   decimal.Decimal

	PurityBefore decimal.Decimal
	PurityAfter  decimal.Decimal
	TargetPurity decimal.NullDecimal

	ActualReject  decimal.NullDecimal
	QualityChecks []QualityCheck
	Estimates     Estimates
	Disposition   RejectDisposition

	CreatedBy string
	PostedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
	PostedAt  *time.Time
}

// Mutable reports whether draft-only mutations are still allowed.
func (r ProcessingRecord) Mutable() bool {
	return r.State == StateDraft || r.State == StateReady
}

// =============================================================================
// RESERVATION
// =============================================================================

type ReservationStatus string

const (
	StatusPending          ReservationStatus = "pending"
	StatusPendingSecondary ReservationStatus = "pending_secondary"
	StatusApproved         ReservationStatus = "approved"
	StatusDeclined         ReservationStatus = "declined"
	StatusReturned         ReservationStatus = "returned"
)

// Holding reports whether the status reserves stock.
func (s ReservationStatus) Holding() bool {
	return s == StatusPending || s == StatusPendingSecondary
}

// Reservation is a stock-out request and its decision trail.
type Reservation struct {
	ID             ReservationID
	IdempotencyKey string
	Partition      Partition
	Class          StockClass
	Quantity       decimal.Decimal
	Status         ReservationStatus
	Description    string

	IsBorrow        bool
	Borrower        string
	BorrowerTracked bool
	Outstanding     decimal.Decimal

	// Pool buckets debited on approval, in debit order.
	Allocations   []Allocation
	OutboundLotID LotID
	Reason        string

	RequestedBy     string
	FirstApprovedBy string
	FirstApprovedAt *time.Time
	DecidedBy       string
	DecidedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequiresSecondaryApproval is true for borrow requests.
func (r Reservation) RequiresSecondaryApproval() bool {
	return r.IsBorrow
}

// ReservationFilter narrows reservation listings.
type ReservationFilter struct {
	Statuses  []ReservationStatus
	Partition *Partition
	Class     StockClass
	Exclude   ReservationID
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

type AttachmentKind string

const (
	AttachWeighbridge  AttachmentKind = "weighbridge"
	AttachWarehouseDoc AttachmentKind = "warehouse_doc"
	AttachQualityForm  AttachmentKind = "quality_form"
	AttachReceipt      AttachmentKind = "receipt"
)

type SubjectKind string

const (
	SubjectLot         SubjectKind = "lot"
	SubjectReservation SubjectKind = "reservation"
	SubjectRecord      SubjectKind = "processing_record"
)

// Attachment is a reference to a document held by the document store.
// The ledger keeps the reference only.
type Attachment struct {
	SubjectKind SubjectKind    `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	Kind        AttachmentKind `json:"kind"`
	Key         string         `json:"key"`
	AttachedBy  string         `json:"attached_by"`
	AttachedAt  time.Time      `json:"attached_at"`
}
