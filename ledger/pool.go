/*
pool.go - Balance Pool Store operations

PURPOSE:
  The balance pool is the denormalized "how much is available" view of
  cleaned and reject stock per partition. Each partition has any number
  of cleaned buckets (one per purity grouping) and at most one reject
  bucket (null purity).

BUCKET MATCHING:
  A cleaned credit at purity p goes to the existing cleaned bucket whose
  stored purity is within [p - tol, p + tol], closest first, lowest ID
  on ties. If none matches, a new bucket is created at exactly p.

DEBIT (FIFO):
  Stock-out debits scan the partition's buckets that hold the class,
  oldest (lowest ID) first, taking min(bucket, remaining) from each.
  Buckets never go negative; callers check availability first and get
  an InsufficientBalanceError if the buckets run dry anyway.

SEE ALSO:
  - processing.go: credits on post, exact inverse on reverse
  - reservation.go: debits on approval, credits on borrow return
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FindBucketForPurity returns the cleaned bucket matching purity within tol.
func FindBucketForPurity(entries []PoolEntry, purity, tol decimal.Decimal) (PoolEntry, bool) {
	var (
		best     PoolEntry
		bestDist decimal.Decimal
		found    bool
	)
	for _, e := range entries {
		if e.IsRejectBucket() {
			continue
		}
		dist := e.Purity.Decimal.Sub(purity).Abs()
		if dist.GreaterThan(tol) {
			continue
		}
		if !found || dist.LessThan(bestDist) {
			best, bestDist, found = e, dist, true
		}
	}
	return best, found
}

// PoolTotal sums the class quantity across entries. Raw is not pooled.
func PoolTotal(entries []PoolEntry, class StockClass) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		switch class {
		case ClassCleaned:
			total = total.Add(e.Cleaned)
		case ClassReject:
			total = total.Add(e.Reject)
		}
	}
	return total
}

// CreditCleaned adds qty to the bucket matching purity, creating it if needed.
func CreditCleaned(ctx context.Context, st PoolStore, p Partition, purity, qty, tol decimal.Decimal, now time.Time) (PoolEntry, error) {
	entries, err := st.ListPoolEntries(ctx, p)
	if err != nil {
		return PoolEntry{}, err
	}
	if e, ok := FindBucketForPurity(entries, purity, tol); ok {
		e.Cleaned = Quantize(e.Cleaned.Add(qty))
		e.UpdatedAt = now
		return e, st.UpdatePoolEntry(ctx, e)
	}
	e := PoolEntry{
		Partition: p,
		Purity:    nullDecimal(purity),
		Cleaned:   Quantize(qty),
		Reject:    decimal.Zero,
		UpdatedAt: now,
	}
	err = st.InsertPoolEntry(ctx, &e)
	return e, err
}

// CreditReject adds qty to the partition's reject bucket.
func CreditReject(ctx context.Context, st PoolStore, p Partition, qty decimal.Decimal, now time.Time) (PoolEntry, error) {
	entries, err := st.ListPoolEntries(ctx, p)
	if err != nil {
		return PoolEntry{}, err
	}
	for _, e := range entries {
		if e.IsRejectBucket() {
			e.Reject = Quantize(e.Reject.Add(qty))
			e.UpdatedAt = now
			return e, st.UpdatePoolEntry(ctx, e)
		}
	}
	e := PoolEntry{
		Partition: p,
		Cleaned:   decimal.Zero,
		Reject:    Quantize(qty),
		UpdatedAt: now,
	}
	err = st.InsertPoolEntry(ctx, &e)
	return e, err
}

// Debit takes qty of class from the partition's buckets, FIFO by ID.
// It returns the allocations in debit order. If the buckets cannot
// cover qty, nothing is written and an InsufficientBalanceError is
// returned.
func Debit(ctx context.Context, st PoolStore, p Partition, class StockClass, qty decimal.Decimal, now time.Time) ([]Allocation, error) {
	entries, err := st.ListPoolEntries(ctx, p)
	if err != nil {
		return nil, err
	}
	if total := PoolTotal(entries, class); total.LessThan(qty) {
		return nil, &InsufficientBalanceError{What: "pool " + string(class), Available: total, Requested: qty}
	}

	var allocs []Allocation
	remaining := qty
	for _, e := range entries {
		if !remaining.IsPositive() {
			break
		}
		have := bucketQty(e, class)
		if !have.IsPositive() {
			continue
		}
		take := minDecimal(have, remaining)
		setBucketQty(&e, class, Quantize(have.Sub(take)))
		e.UpdatedAt = now
		if err := st.UpdatePoolEntry(ctx, e); err != nil {
			return nil, err
		}
		allocs = append(allocs, Allocation{EntryID: e.ID, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return allocs, nil
}

// Remove takes qty of class out of one specific bucket. Used by reversal.
func Remove(ctx context.Context, st PoolStore, id int64, class StockClass, qty decimal.Decimal, now time.Time) error {
	e, err := st.GetPoolEntry(ctx, id)
	if err != nil {
		return err
	}
	have := bucketQty(e, class)
	if have.LessThan(qty) {
		return &InsufficientBalanceError{What: "pool " + string(class) + " bucket", Available: have, Requested: qty}
	}
	setBucketQty(&e, class, Quantize(have.Sub(qty)))
	e.UpdatedAt = now
	return st.UpdatePoolEntry(ctx, e)
}

// Restore credits up to qty back to the buckets of earlier allocations,
// last-taken first, never more than each allocation took. It returns
// the allocations still owed after this credit.
func Restore(ctx context.Context, st PoolStore, allocs []Allocation, class StockClass, qty decimal.Decimal, now time.Time) ([]Allocation, error) {
	out := append([]Allocation(nil), allocs...)
	remaining := qty
	for i := len(out) - 1; i >= 0 && remaining.IsPositive(); i-- {
		if !out[i].Quantity.IsPositive() {
			continue
		}
		give := minDecimal(out[i].Quantity, remaining)
		e, err := st.GetPoolEntry(ctx, out[i].EntryID)
		if err != nil {
			return nil, err
		}
		setBucketQty(&e, class, Quantize(bucketQty(e, class).Add(give)))
		e.UpdatedAt = now
		if err := st.UpdatePoolEntry(ctx, e); err != nil {
			return nil, err
		}
		out[i].Quantity = Quantize(out[i].Quantity.Sub(give))
		remaining = remaining.Sub(give)
	}
	if remaining.IsPositive() {
		return nil, &InsufficientBalanceError{What: "returnable allocation", Available: qty.Sub(remaining), Requested: qty}
	}
	return out, nil
}

func bucketQty(e PoolEntry, class StockClass) decimal.Decimal {
	if class == ClassReject {
		return e.Reject
	}
	return e.Cleaned
}

func setBucketQty(e *PoolEntry, class StockClass, v decimal.Decimal) {
	if class == ClassReject {
		e.Reject = v
		return
	}
	e.Cleaned = v
}
