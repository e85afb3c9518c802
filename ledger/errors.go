package ledger

import (
	"errors"
	"fmt"
)

// Standard ledger errors.
var (
	// ErrInsufficientBudget is returned when a reservation exceeds the parent's remaining budget.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrNotRegistered is returned when an operation names a thread with no ledger entry.
	ErrNotRegistered = errors.New("budget not registered")

	// ErrLedgerLocked is returned when another writer holds the ledger lock.
	ErrLedgerLocked = errors.New("budget ledger locked")

	// ErrOverspend is returned when reported spend exceeds the reservation.
	ErrOverspend = errors.New("budget overspend")

	// ErrEntryClosed is returned when mutating an entry that was already released.
	ErrEntryClosed = errors.New("budget entry closed")

	// ErrInvalidAmount is returned for negative or otherwise unusable amounts.
	ErrInvalidAmount = errors.New("invalid budget amount")
)

// InsufficientBudgetError describes a rejected reservation.
type InsufficientBudgetError struct {
	ParentID  string
	Requested float64
	Remaining float64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on %s: requested $%.4f, remaining $%.4f",
		e.ParentID, e.Requested, e.Remaining)
}

func (e *InsufficientBudgetError) Is(target error) bool {
	return target == ErrInsufficientBudget
}

// NotRegisteredError names the thread that has no entry.
type NotRegisteredError struct {
	ThreadID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("budget not registered for %s", e.ThreadID)
}

func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// OverspendError is raised instead of clamping spend to the reservation.
type OverspendError struct {
	ThreadID  string
	Reserved  float64
	Attempted float64
	// Committed is the amount held by active children at the time of the report.
	Committed float64
}

func (e *OverspendError) Error() string {
	if e.Committed > 0 {
		return fmt.Sprintf("budget overspend on %s: actual $%.4f plus $%.4f committed to children exceeds $%.4f",
			e.ThreadID, e.Attempted, e.Committed, e.Reserved)
	}
	return fmt.Sprintf("budget overspend on %s: actual $%.4f exceeds reserved $%.4f",
		e.ThreadID, e.Attempted, e.Reserved)
}

func (e *OverspendError) Is(target error) bool {
	return target == ErrOverspend
}

// LockedError wraps write contention. It is safe to retry the operation.
type LockedError struct {
	Op  string
	Err error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, ErrLedgerLocked)
}

func (e *LockedError) Unwrap() error {
	return e.Err
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLedgerLocked
}

// Retryable marks contention as a transient failure.
func (e *LockedError) Retryable() bool {
	return true
}
