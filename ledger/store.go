/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the ledger services and the database.
  Services never hold a Store outside a transaction: every read and
  write goes through TxStore.WithTx (read-write) or TxStore.View
  (read-only), so each operation sees one consistent state.

TRANSACTION BOUNDARY:
  WithTx runs fn inside one database transaction. If fn returns an
  error, every write made through the Store it received is rolled back.
  Implementations serialize WithTx calls (a store-wide write lock),
  which is what makes "check availability, then debit" atomic with
  respect to concurrent approvals on the same pool.

APPEND-ONLY PARTS:
  Lots are never deleted. Transactions are never updated; the only
  delete is DeleteTransactions, used by reversal to remove the set tied
  to one processing record.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for tests and dev

SEE ALSO:
  - types.go: Entities persisted here
*/
package ledger

import "context"

// Store is the set of reads and writes available inside a transaction.
type Store interface {
	LotStore
	PoolStore
	TransactionLog
	RecordStore
	ReservationStore
	AttachmentStore
}

// TxStore opens transactions over a Store.
type TxStore interface {
	// WithTx executes fn within a read-write transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// View executes fn against a consistent read-only view.
	View(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOTS
// =============================================================================

type LotStore interface {
	// InsertLot persists a new lot and assigns lot.Sequence.
	InsertLot(ctx context.Context, lot *Lot) error

	// UpdateLotTotals persists sub-totals, purity, grade and last-cleaned.
	// Weight and partition are immutable.
	UpdateLotTotals(ctx context.Context, lot Lot) error

	GetLot(ctx context.Context, id LotID) (Lot, error)

	// ListLots returns the partition's lots ordered by Sequence.
	ListLots(ctx context.Context, p Partition) ([]Lot, error)

	// MaxInOutNo returns the highest bin-card number used in the partition.
	MaxInOutNo(ctx context.Context, p Partition) (int, error)
}

// =============================================================================
// BALANCE POOL
// =============================================================================

type PoolStore interface {
	// ListPoolEntries returns the partition's buckets ordered by ID.
	ListPoolEntries(ctx context.Context, p Partition) ([]PoolEntry, error)

	GetPoolEntry(ctx context.Context, id int64) (PoolEntry, error)

	// InsertPoolEntry persists a new bucket and assigns entry.ID.
	InsertPoolEntry(ctx context.Context, entry *PoolEntry) error

	UpdatePoolEntry(ctx context.Context, entry PoolEntry) error
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

type TransactionLog interface {
	// AppendTransaction fails with ErrDuplicateMovement if the record
	// already has a transaction of the same kind.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns a record's transactions in append order.
	ListTransactions(ctx context.Context, record RecordID) ([]Transaction, error)

	ListTransactionsByLot(ctx context.Context, lot LotID) ([]Transaction, error)

	DeleteTransactions(ctx context.Context, record RecordID) error
}

// =============================================================================
// PROCESSING RECORDS
// =============================================================================

type RecordStore interface {
	// SaveRecord inserts or replaces a processing record.
	SaveRecord(ctx context.Context, r ProcessingRecord) error

	GetRecord(ctx context.Context, id RecordID) (ProcessingRecord, error)

	// ListRecordsByLot returns the lot's records in first-save order.
	ListRecordsByLot(ctx context.Context, lot LotID) ([]ProcessingRecord, error)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReservationStore interface {
	// InsertReservation fails with ErrDuplicateIdempotencyKey if the key exists.
	InsertReservation(ctx context.Context, r Reservation) error

	UpdateReservation(ctx context.Context, r Reservation) error

	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)

	// GetReservationByKey returns ErrNotFound if no reservation has the key.
	GetReservationByKey(ctx context.Context, key string) (Reservation, error)

	// ListReservations returns matches in insertion order.
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

type AttachmentStore interface {
	SaveAttachment(ctx context.Context, a Attachment) error
	ListAttachments(ctx context.Context, kind SubjectKind, subjectID string) ([]Attachment, error)
}
