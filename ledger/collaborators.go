/*
collaborators.go - Ports to the systems the ledger consumes

PURPOSE:
  The ledger owns none of master data, notification delivery, document
  storage or metrics. It reaches them only through the narrow interfaces
  below, supplied at construction time.

DELIVERY SEMANTICS:
  Notifier and DocumentStore are fire-and-forget. Services call them
  after the transaction commits; a delivery error is logged and never
  rolls back or fails the operation.

SEE ALSO:
  - masterdata/: YAML catalog implementing MasterData
  - notify/:     webhook and log notifiers
  - documents/:  S3 and in-memory document stores
  - metrics/:    Prometheus Observer
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MASTER DATA
// =============================================================================

// GradeRule maps a purity floor (and optional ceiling) to a grade label.
type GradeRule struct {
	Grade     string
	MinPurity decimal.Decimal
	MaxPurity decimal.NullDecimal
}

// SeedType is the master-data view the ledger needs.
type SeedType struct {
	ID     string
	Symbol string
	Name   string
	Grades []GradeRule

	// PurityTolerance overrides the bucket-matching band when set.
	PurityTolerance decimal.NullDecimal
}

type MasterData interface {
	LookupSeedType(ctx context.Context, symbol string) (SeedType, error)
	ValidateWarehouse(ctx context.Context, id string) (bool, error)
	IsInternalParty(ctx context.Context, id string) (bool, error)
}

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

type EventType string

const (
	EventReservationSubmitted        EventType = "reservation.submitted"
	EventReservationPendingSecondary EventType = "reservation.pending_secondary"
	EventReservationApproved         EventType = "reservation.approved"
	EventReservationDeclined         EventType = "reservation.declined"
	EventReservationReturned         EventType = "reservation.returned"
	EventProcessingPosted            EventType = "processing.posted"
	EventProcessingReversed          EventType = "processing.reversed"
	EventLotRegistered               EventType = "lot.registered"
)

// Event is emitted after a successful commit.
type Event struct {
	Type      EventType       `json:"type"`
	SubjectID string          `json:"subject_id"`
	Status    string          `json:"status,omitempty"`
	Partition Partition       `json:"partition"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason,omitempty"`
	Actor     string          `json:"actor"`
	At        time.Time       `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type DocumentStore interface {
	Attach(ctx context.Context, a Attachment) error
}

// Observer receives one call per service operation.
type Observer interface {
	Observe(op string, kind ErrorKind, elapsed time.Duration)
}

// =============================================================================
// NO-OP IMPLEMENTATIONS
// =============================================================================

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

type nopDocuments struct{}

func (nopDocuments) Attach(context.Context, Attachment) error { return nil }

type nopObserver struct{}

func (nopObserver) Observe(string, ErrorKind, time.Duration) {}
