/*
errors.go - Error taxonomy for the ledger services

PURPOSE:
  Every failure a service can surface is either a sentinel (for errors.Is)
  or a structured error that unwraps to one. Callers get a machine-readable
  kind from KindOf and a human-readable reason from the error text.

ERROR KINDS:
  validation            mass balance, purity order, missing/invalid field
  insufficient_balance  raw remaining or pool availability too low
  already_posted        posting a posted record (benign no-op for Post)
  already_decided       deciding a reservation that is not awaiting that step
  not_posted            reversing a record that is not posted
  concurrency_conflict  availability under lock differs from submission time
  not_found             unknown lot, record, reservation or seed type
  internal              anything else (store failures)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // safe to retry after re-reading state
  }
  switch ledger.KindOf(err) { ... }

SEE ALSO:
  - api/handlers.go: Maps kinds onto HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every input validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrMassBalance is returned when output+rejects drifts too far from input.
	ErrMassBalance = errors.New("mass balance violation")

	// ErrPurityOrder is returned when purity-after is below purity-before.
	ErrPurityOrder = errors.New("purity after below purity before")

	// ErrInsufficientBalance is returned when raw remaining or pool
	// availability cannot cover a request.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyPosted is returned when a posted record is mutated.
	ErrAlreadyPosted = errors.New("processing record already posted")

	// ErrNotPosted is returned when reversing a record that is not posted.
	ErrNotPosted = errors.New("processing record not posted")

	// ErrAlreadyDecided is returned when a reservation is not awaiting the
	// requested decision.
	ErrAlreadyDecided = errors.New("reservation already decided")

	// ErrConcurrencyConflict is returned when stock moved between submission
	// and approval.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by stores when a reservation
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateMovement is returned by stores when a processing record
	// already has a transaction of the same kind.
	ErrDuplicateMovement = errors.New("duplicate movement for processing record")

	// ErrForbidden is returned when the actor's role may not perform the step.
	ErrForbidden = errors.New("actor not permitted")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FieldError reports a missing or invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// MassBalanceError reports how far output+rejects is from input.
type MassBalanceError struct {
	WeightIn  decimal.Decimal
	WeightOut decimal.Decimal
	Rejects   decimal.Decimal
	Allowed   decimal.Decimal
}

func (e *MassBalanceError) Gap() decimal.Decimal {
	return e.WeightIn.Sub(e.WeightOut.Add(e.Rejects)).Abs()
}

func (e *MassBalanceError) Error() string {
	return fmt.Sprintf("mass balance violation: in %s, out %s + rejects %s, gap %s exceeds %s",
		e.WeightIn, e.WeightOut, e.Rejects, e.Gap(), e.Allowed)
}

func (e *MassBalanceError) Unwrap() []error { return []error{ErrMassBalance, ErrValidation} }

// PurityOrderError reports a purity regression.
type PurityOrderError struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

func (e *PurityOrderError) Error() string {
	return fmt.Sprintf("purity after %s is below purity before %s", e.After, e.Before)
}

func (e *PurityOrderError) Unwrap() []error { return []error{ErrPurityOrder, ErrValidation} }

// InsufficientBalanceError provides details about a shortage.
type InsufficientBalanceError struct {
	What      string // "raw remaining", "pool cleaned", ...
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s, shortfall %s",
		e.What, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConflictError reports that availability moved while a request waited.
type ConflictError struct {
	ReservationID ReservationID
	Available     decimal.Decimal
	Requested     decimal.Decimal
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation %s: requested %s now exceeds available %s",
		e.ReservationID, e.Requested, e.Available)
}

func (e *ConflictError) Unwrap() []error {
	return []error{ErrConcurrencyConflict, ErrInsufficientBalance}
}

// StateError reports an entity that is not in the state an operation needs.
type StateError struct {
	Entity string
	ID     string
	State  string
	Want   string
	err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Entity, e.ID, e.State, e.Want)
}

func (e *StateError) Unwrap() error { return e.err }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// =============================================================================
// ERROR KINDS
// =============================================================================

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindAlreadyPosted       ErrorKind = "already_posted"
	KindAlreadyDecided      ErrorKind = "already_decided"
	KindNotPosted           ErrorKind = "not_posted"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
	KindNotFound            ErrorKind = "not_found"
	KindForbidden           ErrorKind = "forbidden"
	KindInternal            ErrorKind = "internal"
)

// KindOf classifies err. Order matters: a ConflictError is also an
// insufficient balance, and reports as the more specific conflict.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrAlreadyPosted):
		return KindAlreadyPosted
	case errors.Is(err, ErrAlreadyDecided):
		return KindAlreadyDecided
	case errors.Is(err, ErrNotPosted):
		return KindNotPosted
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrInsufficientBalance)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k != KindInternal && k != ""
}

// Reason is the human-readable message reported alongside KindOf.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
