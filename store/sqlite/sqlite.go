/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists lots, balance pool buckets, the transaction log, processing
  records, reservations and attachment references. Every service
  operation runs inside WithTx; reads use View.

APPEND-ONLY ENFORCEMENT:
  - lots: weight and partition columns are never updated; only the
    sub-total columns change (posting, raw stock-out)
  - ledger_transactions: no UPDATE statements; the only DELETE removes
    the movements of one processing record during reversal

KEY TABLES:
  lots:                bin-card rows; seq is the creation order
  pool_entries:        purity buckets; id is the FIFO debit order
  ledger_transactions: RAW_OUT / CLEANED_IN / REJECT_OUT / CLEANED_OUT
  processing_records:  cleaning state machine rows
  reservations:        stock-out requests (idempotency_key UNIQUE)
  attachments:         document references

INDEXES:
  - idx_lots_partition: running-balance replay (hot path)
  - idx_pool_partition: availability and debit scans
  - idx_unique_record_movement: one movement of each kind per record
  - idx_reservations_partition: hold computation

CONCURRENCY:
  WithTx holds a store-wide write lock for the whole transaction, so a
  check-then-debit sequence cannot interleave with another writer. This
  stands in for row locks, which SQLite does not have.

NUMBERS AND TIMES:
  Decimals are stored as TEXT to keep exact precision; times as
  RFC3339Nano UTC text.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := ledger.New(ledger.Deps{Store: st, MasterData: catalog})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/dgt/seed-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		seed TEXT NOT NULL,
		owner TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		seed_type_id TEXT NOT NULL,
		in_out_no INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		weight TEXT NOT NULL,
		raw_balance TEXT NOT NULL,
		raw_remaining TEXT NOT NULL,
		cleaned_total TEXT NOT NULL,
		reject_total TEXT NOT NULL,
		purity TEXT,
		grade TEXT NOT NULL DEFAULT '',
		last_cleaned TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_partition
		ON lots(seed, owner, warehouse, seq);

	CREATE TABLE IF NOT EXISTS pool_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seed TEXT NOT NULL,
		owner TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		purity TEXT,
		cleaned TEXT NOT NULL,
		reject TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pool_partition
		ON pool_entries(seed, owner, warehouse, id);

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		record_id TEXT,
		reservation_id TEXT,
		pool_entry_id INTEGER,
		grade_before TEXT NOT NULL DEFAULT '',
		grade_after TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_record_movement
		ON ledger_transactions(record_id, kind)
		WHERE record_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_transactions_lot
		ON ledger_transactions(lot_id);

	CREATE TABLE IF NOT EXISTS processing_records (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		operation TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		weight_in TEXT NOT NULL,
		weight_out TEXT NOT NULL,
		rejects TEXT NOT NULL,
		purity_before TEXT NOT NULL,
		purity_after TEXT NOT NULL,
		target_purity TEXT,
		actual_reject TEXT,
		quality_checks_json TEXT NOT NULL DEFAULT '[]',
		estimates_json TEXT NOT NULL DEFAULT '{}',
		disposition TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		posted_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		posted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_lot
		ON processing_records(lot_id);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		seed TEXT NOT NULL,
		owner TEXT NOT NULL,
		warehouse TEXT NOT NULL,
		class TEXT NOT NULL,
		quantity TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_borrow INTEGER NOT NULL DEFAULT 0,
		borrower TEXT NOT NULL DEFAULT '',
		borrower_tracked INTEGER NOT NULL DEFAULT 0,
		outstanding TEXT NOT NULL,
		allocations_json TEXT NOT NULL DEFAULT '[]',
		outbound_lot_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL,
		first_approved_by TEXT NOT NULL DEFAULT '',
		first_approved_at TEXT,
		decided_by TEXT NOT NULL DEFAULT '',
		decided_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_partition
		ON reservations(seed, owner, warehouse, class, status);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		attached_by TEXT NOT NULL,
		attached_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_subject
		ON attachments(subject_kind, subject_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// View executes fn outside a transaction under the read lock.
func (s *Store) View(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&conn{q: s.db})
}

// conn implements ledger.Store over a querier.
type conn struct {
	q querier
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `seq, id, seed, owner, warehouse, seed_type_id, in_out_no, description,
	weight, raw_balance, raw_remaining, cleaned_total, reject_total, purity, grade,
	last_cleaned, created_by, created_at`

func (c *conn) InsertLot(ctx context.Context, lot *ledger.Lot) error {
	query := `
		INSERT INTO lots (id, seed, owner, warehouse, seed_type_id, in_out_no, description,
			weight, raw_balance, raw_remaining, cleaned_total, reject_total, purity, grade,
			last_cleaned, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := c.q.ExecContext(ctx, query,
		lot.ID, lot.Partition.Seed, lot.Partition.Owner, lot.Partition.Warehouse,
		lot.SeedTypeID, lot.InOutNo, lot.Description,
		lot.Weight.String(), lot.RawBalance.String(), lot.RawRemaining.String(),
		lot.CleanedTotal.String(), lot.RejectTotal.String(),
		nullDecimal(lot.Purity), lot.Grade, nullTime(lot.LastCleaned),
		lot.CreatedBy, formatTime(lot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read lot sequence: %w", err)
	}
	lot.Sequence = seq
	return nil
}

func (c *conn) UpdateLotTotals(ctx context.Context, lot ledger.Lot) error {
	query := `
		UPDATE lots SET raw_balance = ?, raw_remaining = ?, cleaned_total = ?, reject_total = ?,
			purity = ?, grade = ?, last_cleaned = ?
		WHERE id = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		lot.RawBalance.String(), lot.RawRemaining.String(),
		lot.CleanedTotal.String(), lot.RejectTotal.String(),
		nullDecimal(lot.Purity), lot.Grade, nullTime(lot.LastCleaned),
		lot.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	return requireRow(res, "lot", string(lot.ID))
}

func (c *conn) GetLot(ctx context.Context, id ledger.LotID) (ledger.Lot, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Lot{}, &ledger.NotFoundError{Entity: "lot", ID: string(id)}
	}
	return lot, err
}

func (c *conn) ListLots(ctx context.Context, p ledger.Partition) ([]ledger.Lot, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE seed = ? AND owner = ? AND warehouse = ?
		ORDER BY seq ASC`,
		p.Seed, p.Owner, p.Warehouse)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (c *conn) MaxInOutNo(ctx context.Context, p ledger.Partition) (int, error) {
	var n sql.NullInt64
	err := c.q.QueryRowContext(ctx,
		`SELECT MAX(in_out_no) FROM lots WHERE seed = ? AND owner = ? AND warehouse = ?`,
		p.Seed, p.Owner, p.Warehouse,
	).Scan(&n)
	return int(n.Int64), err
}

func scanLot(r rowScanner) (ledger.Lot, error) {
	var (
		lot                                    ledger.Lot
		weight, rawBal, rawRem, cleaned, rejct string
		purity, lastCleaned                    sql.NullString
		createdAt                              string
	)
	err := r.Scan(
		&lot.Sequence, &lot.ID, &lot.Partition.Seed, &lot.Partition.Owner, &lot.Partition.Warehouse,
		&lot.SeedTypeID, &lot.InOutNo, &lot.Description,
		&weight, &rawBal, &rawRem, &cleaned, &rejct, &purity, &lot.Grade,
		&lastCleaned, &lot.CreatedBy, &createdAt,
	)
	if err != nil {
		return lot, err
	}
	var p parser
	lot.Weight = p.decimal(weight)
	lot.RawBalance = p.decimal(rawBal)
	lot.RawRemaining = p.decimal(rawRem)
	lot.CleanedTotal = p.decimal(cleaned)
	lot.RejectTotal = p.decimal(rejct)
	lot.Purity = p.nullDecimal(purity)
	lot.LastCleaned = p.nullTime(lastCleaned)
	lot.CreatedAt = p.time(createdAt)
	return lot, p.wrap("lot", string(lot.ID))
}

// =============================================================================
// BALANCE POOL
// =============================================================================

const poolColumns = `id, seed, owner, warehouse, purity, cleaned, reject, updated_at`

func (c *conn) ListPoolEntries(ctx context.Context, p ledger.Partition) ([]ledger.PoolEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+poolColumns+` FROM pool_entries
		WHERE seed = ? AND owner = ? AND warehouse = ?
		ORDER BY id ASC`,
		p.Seed, p.Owner, p.Warehouse)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.PoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *conn) GetPoolEntry(ctx context.Context, id int64) (ledger.PoolEntry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pool_entries WHERE id = ?`, id)
	e, err := scanPoolEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.PoolEntry{}, &ledger.NotFoundError{Entity: "pool entry", ID: strconv.FormatInt(id, 10)}
	}
	return e, err
}

func (c *conn) InsertPoolEntry(ctx context.Context, e *ledger.PoolEntry) error {
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO pool_entries (seed, owner, warehouse, purity, cleaned, reject, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Partition.Seed, e.Partition.Owner, e.Partition.Warehouse,
		nullDecimal(e.Purity), e.Cleaned.String(), e.Reject.String(), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pool entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read pool entry id: %w", err)
	}
	e.ID = id
	return nil
}

func (c *conn) UpdatePoolEntry(ctx context.Context, e ledger.PoolEntry) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE pool_entries SET cleaned = ?, reject = ?, updated_at = ? WHERE id = ?`,
		e.Cleaned.String(), e.Reject.String(), formatTime(e.UpdatedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool entry: %w", err)
	}
	return requireRow(res, "pool entry", strconv.FormatInt(e.ID, 10))
}

func scanPoolEntry(r rowScanner) (ledger.PoolEntry, error) {
	var (
		e                  ledger.PoolEntry
		purity             sql.NullString
		cleaned, rejct, at string
	)
	err := r.Scan(&e.ID, &e.Partition.Seed, &e.Partition.Owner, &e.Partition.Warehouse,
		&purity, &cleaned, &rejct, &at)
	if err != nil {
		return e, err
	}
	var p parser
	e.Purity = p.nullDecimal(purity)
	e.Cleaned = p.decimal(cleaned)
	e.Reject = p.decimal(rejct)
	e.UpdatedAt = p.time(at)
	return e, p.wrap("pool entry", strconv.FormatInt(e.ID, 10))
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const txColumns = `id, kind, quantity, lot_id, record_id, reservation_id, pool_entry_id,
	grade_before, grade_after, created_at`

func (c *conn) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	var entry sql.NullInt64
	if tx.PoolEntryID != 0 {
		entry = sql.NullInt64{Int64: tx.PoolEntryID, Valid: true}
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Kind, tx.Quantity.String(), tx.LotID,
		nullString(string(tx.RecordID)), nullString(string(tx.ReservationID)), entry,
		tx.GradeBefore, tx.GradeAfter, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateMovement
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (c *conn) ListTransactions(ctx context.Context, record ledger.RecordID) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE record_id = ? ORDER BY rowid ASC`, record)
}

func (c *conn) ListTransactionsByLot(ctx context.Context, lot ledger.LotID) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE lot_id = ? ORDER BY rowid ASC`, lot)
}

func (c *conn) DeleteTransactions(ctx context.Context, record ledger.RecordID) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM ledger_transactions WHERE record_id = ?`, record)
	if err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}
	return nil
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var (
			tx                  ledger.Transaction
			qty, at             string
			recordID, reservaID sql.NullString
			entry               sql.NullInt64
		)
		if err := rows.Scan(&tx.ID, &tx.Kind, &qty, &tx.LotID, &recordID, &reservaID, &entry,
			&tx.GradeBefore, &tx.GradeAfter, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var p parser
		tx.Quantity = p.decimal(qty)
		tx.CreatedAt = p.time(at)
		tx.RecordID = ledger.RecordID(recordID.String)
		tx.ReservationID = ledger.ReservationID(reservaID.String)
		tx.PoolEntryID = entry.Int64
		if err := p.wrap("transaction", string(tx.ID)); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// =============================================================================
// PROCESSING RECORDS
// =============================================================================

const recordColumns = `id, lot_id, operation, state, reason, weight_in, weight_out, rejects,
	purity_before, purity_after, target_purity, actual_reject, quality_checks_json,
	estimates_json, disposition, created_by, posted_by, created_at, updated_at, posted_at`

func (c *conn) SaveRecord(ctx context.Context, r ledger.ProcessingRecord) error {
	checks := r.QualityChecks
	if checks == nil {
		checks = []ledger.QualityCheck{}
	}
	checksJSON, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("failed to encode quality checks: %w", err)
	}
	estimatesJSON, err := json.Marshal(r.Estimates)
	if err != nil {
		return fmt.Errorf("failed to encode estimates: %w", err)
	}

	query := `
		INSERT INTO processing_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			operation = excluded.operation,
			state = excluded.state,
			reason = excluded.reason,
			weight_in = excluded.weight_in,
			weight_out = excluded.weight_out,
			rejects = excluded.rejects,
			purity_before = excluded.purity_before,
			purity_after = excluded.purity_after,
			target_purity = excluded.target_purity,
			actual_reject = excluded.actual_reject,
			quality_checks_json = excluded.quality_checks_json,
			estimates_json = excluded.estimates_json,
			disposition = excluded.disposition,
			posted_by = excluded.posted_by,
			updated_at = excluded.updated_at,
			posted_at = excluded.posted_at
	`
	_, err = c.q.ExecContext(ctx, query,
		r.ID, r.LotID, r.Operation, r.State, r.Reason,
		r.WeightIn.String(), r.WeightOut.String(), r.Rejects.String(),
		r.PurityBefore.String(), r.PurityAfter.String(),
		nullDecimal(r.TargetPurity), nullDecimal(r.ActualReject),
		string(checksJSON), string(estimatesJSON), r.Disposition,
		r.CreatedBy, r.PostedBy, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), nullTime(r.PostedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save processing record: %w", err)
	}
	return nil
}

func (c *conn) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.ProcessingRecord, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM processing_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ProcessingRecord{}, &ledger.NotFoundError{Entity: "processing record", ID: string(id)}
	}
	return r, err
}

func (c *conn) ListRecordsByLot(ctx context.Context, lot ledger.LotID) ([]ledger.ProcessingRecord, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM processing_records WHERE lot_id = ? ORDER BY rowid ASC`, lot)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing records: %w", err)
	}
	defer rows.Close()

	var records []ledger.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(row rowScanner) (ledger.ProcessingRecord, error) {
	var (
		r                            ledger.ProcessingRecord
		weightIn, weightOut, rejects string
		purityBefore, purityAfter    string
		target, actual, postedAt     sql.NullString
		checksJSON, estimatesJSON    string
		createdAt, updatedAt         string
	)
	err := row.Scan(
		&r.ID, &r.LotID, &r.Operation, &r.State, &r.Reason,
		&weightIn, &weightOut, &rejects, &purityBefore, &purityAfter,
		&target, &actual, &checksJSON, &estimatesJSON, &r.Disposition,
		&r.CreatedBy, &r.PostedBy, &createdAt, &updatedAt, &postedAt,
	)
	if err != nil {
		return r, err
	}
	var p parser
	r.WeightIn = p.decimal(weightIn)
	r.WeightOut = p.decimal(weightOut)
	r.Rejects = p.decimal(rejects)
	r.PurityBefore = p.decimal(purityBefore)
	r.PurityAfter = p.decimal(purityAfter)
	r.TargetPurity = p.nullDecimal(target)
	r.ActualReject = p.nullDecimal(actual)
	r.CreatedAt = p.time(createdAt)
	r.UpdatedAt = p.time(updatedAt)
	r.PostedAt = p.nullTime(postedAt)
	p.json(checksJSON, &r.QualityChecks)
	p.json(estimatesJSON, &r.Estimates)
	return r, p.wrap("processing record", string(r.ID))
}

// =============================================================================
// RESERVATIONS
// =============================================================================

const reservationColumns = `id, idempotency_key, seed, owner, warehouse, class, quantity, status,
	description, is_borrow, borrower, borrower_tracked, outstanding, allocations_json,
	outbound_lot_id, reason, requested_by, first_approved_by, first_approved_at,
	decided_by, decided_at, created_at, updated_at`

func (c *conn) InsertReservation(ctx context.Context, r ledger.Reservation) error {
	allocs, err := encodeAllocations(r.Allocations)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.IdempotencyKey),
		r.Partition.Seed, r.Partition.Owner, r.Partition.Warehouse,
		r.Class, r.Quantity.String(), r.Status, r.Description,
		r.IsBorrow, r.Borrower, r.BorrowerTracked, r.Outstanding.String(), allocs,
		r.OutboundLotID, r.Reason, r.RequestedBy,
		r.FirstApprovedBy, nullTime(r.FirstApprovedAt),
		r.DecidedBy, nullTime(r.DecidedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (c *conn) UpdateReservation(ctx context.Context, r ledger.Reservation) error {
	allocs, err := encodeAllocations(r.Allocations)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE reservations SET
			status = ?, outstanding = ?, allocations_json = ?, outbound_lot_id = ?, reason = ?,
			first_approved_by = ?, first_approved_at = ?, decided_by = ?, decided_at = ?,
			updated_at = ?
		WHERE id = ?`,
		r.Status, r.Outstanding.String(), allocs, r.OutboundLotID, r.Reason,
		r.FirstApprovedBy, nullTime(r.FirstApprovedAt), r.DecidedBy, nullTime(r.DecidedAt),
		formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return requireRow(res, "reservation", string(r.ID))
}

func (c *conn) GetReservation(ctx context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, &ledger.NotFoundError{Entity: "reservation", ID: string(id)}
	}
	return r, err
}

func (c *conn) GetReservationByKey(ctx context.Context, key string) (ledger.Reservation, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = ?`, key)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reservation{}, &ledger.NotFoundError{Entity: "reservation with key", ID: key}
	}
	return r, err
}

func (c *conn) ListReservations(ctx context.Context, f ledger.ReservationFilter) ([]ledger.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if f.Partition != nil {
		where = append(where, "seed = ? AND owner = ? AND warehouse = ?")
		args = append(args, f.Partition.Seed, f.Partition.Owner, f.Partition.Warehouse)
	}
	if f.Class != "" {
		where = append(where, "class = ?")
		args = append(args, f.Class)
	}
	if f.Exclude != "" {
		where = append(where, "id <> ?")
		args = append(args, f.Exclude)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (ledger.Reservation, error) {
	var (
		r                        ledger.Reservation
		key                      sql.NullString
		qty, outstanding, allocs string
		firstAt, decidedAt       sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(
		&r.ID, &key, &r.Partition.Seed, &r.Partition.Owner, &r.Partition.Warehouse,
		&r.Class, &qty, &r.Status, &r.Description,
		&r.IsBorrow, &r.Borrower, &r.BorrowerTracked, &outstanding, &allocs,
		&r.OutboundLotID, &r.Reason, &r.RequestedBy,
		&r.FirstApprovedBy, &firstAt, &r.DecidedBy, &decidedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return r, err
	}
	var p parser
	r.IdempotencyKey = key.String
	r.Quantity = p.decimal(qty)
	r.Outstanding = p.decimal(outstanding)
	r.FirstApprovedAt = p.nullTime(firstAt)
	r.DecidedAt = p.nullTime(decidedAt)
	r.CreatedAt = p.time(createdAt)
	r.UpdatedAt = p.time(updatedAt)
	p.json(allocs, &r.Allocations)
	return r, p.wrap("reservation", string(r.ID))
}

func encodeAllocations(allocs []ledger.Allocation) (string, error) {
	if allocs == nil {
		allocs = []ledger.Allocation{}
	}
	b, err := json.Marshal(allocs)
	if err != nil {
		return "", fmt.Errorf("failed to encode allocations: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func (c *conn) SaveAttachment(ctx context.Context, a ledger.Attachment) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO attachments (subject_kind, subject_id, kind, key, attached_by, attached_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.SubjectKind, a.SubjectID, a.Kind, a.Key, a.AttachedBy, formatTime(a.AttachedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

func (c *conn) ListAttachments(ctx context.Context, kind ledger.SubjectKind, subjectID string) ([]ledger.Attachment, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT subject_kind, subject_id, kind, key, attached_by, attached_at
		FROM attachments WHERE subject_kind = ? AND subject_id = ?
		ORDER BY id ASC`, kind, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []ledger.Attachment
	for rows.Next() {
		var (
			a  ledger.Attachment
			at string
		)
		if err := rows.Scan(&a.SubjectKind, &a.SubjectID, &a.Kind, &a.Key, &a.AttachedBy, &at); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		var p parser
		a.AttachedAt = p.time(at)
		if err := p.wrap("attachment", a.Key); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

// parser decodes TEXT columns and keeps the first error.
type parser struct {
	err error
}

func (p *parser) decimal(s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = fmt.Errorf("decimal %q: %w", s, err)
	}
	return d
}

func (p *parser) nullDecimal(ns sql.NullString) decimal.NullDecimal {
	if !ns.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: p.decimal(ns.String), Valid: true}
}

func (p *parser) time(s string) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		p.err = fmt.Errorf("time %q: %w", s, err)
	}
	return t
}

func (p *parser) nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := p.time(ns.String)
	return &t
}

func (p *parser) json(s string, v any) {
	if p.err != nil || s == "" {
		return
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		p.err = fmt.Errorf("json column: %w", err)
	}
}

func (p *parser) wrap(entity, id string) error {
	if p.err == nil {
		return nil
	}
	return fmt.Errorf("failed to decode %s %s: %w", entity, id, p.err)
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
