// Package store provides in-process ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/dgt/seed-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore kept in maps. WithTx holds the write lock
// for the whole transaction and restores a snapshot on error.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	lots         map[ledger.LotID]ledger.Lot
	lotSeq       int64
	pool         map[int64]ledger.PoolEntry
	poolSeq      int64
	txs          []ledger.Transaction
	records      map[ledger.RecordID]ledger.ProcessingRecord
	recOrder     []ledger.RecordID
	reservations map[ledger.ReservationID]ledger.Reservation
	keys         map[string]ledger.ReservationID
	resOrder     []ledger.ReservationID
	attachments  []ledger.Attachment
}

func newState() *state {
	return &state{
		lots:         make(map[ledger.LotID]ledger.Lot),
		pool:         make(map[int64]ledger.PoolEntry),
		records:      make(map[ledger.RecordID]ledger.ProcessingRecord),
		reservations: make(map[ledger.ReservationID]ledger.Reservation),
		keys:         make(map[string]ledger.ReservationID),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// View runs fn under the read lock. Writes through the view are not
// rejected, so callers must not mutate inside View.
func (m *Memory) View(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{st: m.st})
}

func (s *state) clone() *state {
	c := &state{
		lots:         make(map[ledger.LotID]ledger.Lot, len(s.lots)),
		lotSeq:       s.lotSeq,
		pool:         make(map[int64]ledger.PoolEntry, len(s.pool)),
		poolSeq:      s.poolSeq,
		txs:          append([]ledger.Transaction(nil), s.txs...),
		records:      make(map[ledger.RecordID]ledger.ProcessingRecord, len(s.records)),
		recOrder:     append([]ledger.RecordID(nil), s.recOrder...),
		reservations: make(map[ledger.ReservationID]ledger.Reservation, len(s.reservations)),
		keys:         make(map[string]ledger.ReservationID, len(s.keys)),
		resOrder:     append([]ledger.ReservationID(nil), s.resOrder...),
		attachments:  append([]ledger.Attachment(nil), s.attachments...),
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.pool {
		c.pool[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

// view is the ledger.Store handed to transaction callbacks. Slices held
// by entities are copied on the way in and out so callers never share
// backing arrays with the stored state.
type view struct {
	st *state
}

// =============================================================================
// LOTS
// =============================================================================

func (v *view) InsertLot(_ context.Context, lot *ledger.Lot) error {
	v.st.lotSeq++
	lot.Sequence = v.st.lotSeq
	v.st.lots[lot.ID] = *lot
	return nil
}

func (v *view) UpdateLotTotals(_ context.Context, lot ledger.Lot) error {
	cur, ok := v.st.lots[lot.ID]
	if !ok {
		return &ledger.NotFoundError{Entity: "lot", ID: string(lot.ID)}
	}
	cur.RawBalance = lot.RawBalance
	cur.RawRemaining = lot.RawRemaining
	cur.CleanedTotal = lot.CleanedTotal
	cur.RejectTotal = lot.RejectTotal
	cur.Purity = lot.Purity
	cur.Grade = lot.Grade
	cur.LastCleaned = lot.LastCleaned
	v.st.lots[lot.ID] = cur
	return nil
}

func (v *view) GetLot(_ context.Context, id ledger.LotID) (ledger.Lot, error) {
	lot, ok := v.st.lots[id]
	if !ok {
		return ledger.Lot{}, &ledger.NotFoundError{Entity: "lot", ID: string(id)}
	}
	return lot, nil
}

func (v *view) ListLots(_ context.Context, p ledger.Partition) ([]ledger.Lot, error) {
	var out []ledger.Lot
	for _, lot := range v.st.lots {
		if lot.Partition == p {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v *view) MaxInOutNo(_ context.Context, p ledger.Partition) (int, error) {
	highest := 0
	for _, lot := range v.st.lots {
		if lot.Partition == p && lot.InOutNo > highest {
			highest = lot.InOutNo
		}
	}
	return highest, nil
}

// =============================================================================
// BALANCE POOL
// =============================================================================

func (v *view) ListPoolEntries(_ context.Context, p ledger.Partition) ([]ledger.PoolEntry, error) {
	var out []ledger.PoolEntry
	for _, e := range v.st.pool {
		if e.Partition == p {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetPoolEntry(_ context.Context, id int64) (ledger.PoolEntry, error) {
	e, ok := v.st.pool[id]
	if !ok {
		return ledger.PoolEntry{}, &ledger.NotFoundError{Entity: "pool entry", ID: strconv.FormatInt(id, 10)}
	}
	return e, nil
}

func (v *view) InsertPoolEntry(_ context.Context, e *ledger.PoolEntry) error {
	v.st.poolSeq++
	e.ID = v.st.poolSeq
	v.st.pool[e.ID] = *e
	return nil
}

func (v *view) UpdatePoolEntry(_ context.Context, e ledger.PoolEntry) error {
	if _, ok := v.st.pool[e.ID]; !ok {
		return &ledger.NotFoundError{Entity: "pool entry", ID: strconv.FormatInt(e.ID, 10)}
	}
	v.st.pool[e.ID] = e
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (v *view) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	if tx.RecordID != "" {
		for _, t := range v.st.txs {
			if t.RecordID == tx.RecordID && t.Kind == tx.Kind {
				return ledger.ErrDuplicateMovement
			}
		}
	}
	v.st.txs = append(v.st.txs, tx)
	return nil
}

func (v *view) ListTransactions(_ context.Context, record ledger.RecordID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, t := range v.st.txs {
		if t.RecordID == record {
			out = append(out, t)
		}
	}
	return out, nil
}

func (v *view) ListTransactionsByLot(_ context.Context, lot ledger.LotID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, t := range v.st.txs {
		if t.LotID == lot {
			out = append(out, t)
		}
	}
	return out, nil
}

func (v *view) DeleteTransactions(_ context.Context, record ledger.RecordID) error {
	kept := v.st.txs[:0:0]
	for _, t := range v.st.txs {
		if t.RecordID != record {
			kept = append(kept, t)
		}
	}
	v.st.txs = kept
	return nil
}

// =============================================================================
// PROCESSING RECORDS
// =============================================================================

func (v *view) SaveRecord(_ context.Context, r ledger.ProcessingRecord) error {
	r.QualityChecks = append([]ledger.QualityCheck(nil), r.QualityChecks...)
	if _, ok := v.st.records[r.ID]; !ok {
		v.st.recOrder = append(v.st.recOrder, r.ID)
	}
	v.st.records[r.ID] = r
	return nil
}

func (v *view) GetRecord(_ context.Context, id ledger.RecordID) (ledger.ProcessingRecord, error) {
	r, ok := v.st.records[id]
	if !ok {
		return ledger.ProcessingRecord{}, &ledger.NotFoundError{Entity: "processing record", ID: string(id)}
	}
	r.QualityChecks = append([]ledger.QualityCheck(nil), r.QualityChecks...)
	return r, nil
}

func (v *view) ListRecordsByLot(_ context.Context, lot ledger.LotID) ([]ledger.ProcessingRecord, error) {
	var out []ledger.ProcessingRecord
	for _, id := range v.st.recOrder {
		r := v.st.records[id]
		if r.LotID == lot {
			r.QualityChecks = append([]ledger.QualityCheck(nil), r.QualityChecks...)
			out = append(out, r)
		}
	}
	return out, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (v *view) InsertReservation(_ context.Context, r ledger.Reservation) error {
	if r.IdempotencyKey != "" {
		if _, ok := v.st.keys[r.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
		v.st.keys[r.IdempotencyKey] = r.ID
	}
	r.Allocations = append([]ledger.Allocation(nil), r.Allocations...)
	v.st.reservations[r.ID] = r
	v.st.resOrder = append(v.st.resOrder, r.ID)
	return nil
}

func (v *view) UpdateReservation(_ context.Context, r ledger.Reservation) error {
	if _, ok := v.st.reservations[r.ID]; !ok {
		return &ledger.NotFoundError{Entity: "reservation", ID: string(r.ID)}
	}
	r.Allocations = append([]ledger.Allocation(nil), r.Allocations...)
	v.st.reservations[r.ID] = r
	return nil
}

func (v *view) GetReservation(_ context.Context, id ledger.ReservationID) (ledger.Reservation, error) {
	r, ok := v.st.reservations[id]
	if !ok {
		return ledger.Reservation{}, &ledger.NotFoundError{Entity: "reservation", ID: string(id)}
	}
	r.Allocations = append([]ledger.Allocation(nil), r.Allocations...)
	return r, nil
}

func (v *view) GetReservationByKey(ctx context.Context, key string) (ledger.Reservation, error) {
	id, ok := v.st.keys[key]
	if !ok {
		return ledger.Reservation{}, &ledger.NotFoundError{Entity: "reservation with key", ID: key}
	}
	return v.GetReservation(ctx, id)
}

func (v *view) ListReservations(_ context.Context, f ledger.ReservationFilter) ([]ledger.Reservation, error) {
	var out []ledger.Reservation
	for _, id := range v.st.resOrder {
		r := v.st.reservations[id]
		if !matches(r, f) {
			continue
		}
		r.Allocations = append([]ledger.Allocation(nil), r.Allocations...)
		out = append(out, r)
	}
	return out, nil
}

func matches(r ledger.Reservation, f ledger.ReservationFilter) bool {
	if f.Exclude != "" && r.ID == f.Exclude {
		return false
	}
	if f.Partition != nil && r.Partition != *f.Partition {
		return false
	}
	if f.Class != "" && r.Class != f.Class {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func (v *view) SaveAttachment(_ context.Context, a ledger.Attachment) error {
	v.st.attachments = append(v.st.attachments, a)
	return nil
}

func (v *view) ListAttachments(_ context.Context, kind ledger.SubjectKind, subjectID string) ([]ledger.Attachment, error) {
	var out []ledger.Attachment
	for _, a := range v.st.attachments {
		if a.SubjectKind == kind && a.SubjectID == subjectID {
			out = append(out, a)
		}
	}
	return out, nil
}
