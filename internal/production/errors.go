package production

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrConsistency           = errors.New("consistency violation")
	ErrNotFound              = errors.New("not found")
)

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Entity    string
	ID        string
	Field     string
	Reason    string
	Requested int
	Available int
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation: ")
	b.WriteString(e.Entity)
	if e.ID != "" {
		b.WriteString(" " + e.ID)
	}
	if e.Field != "" {
		b.WriteString(" " + e.Field)
	}
	b.WriteString(": " + e.Reason)
	if e.Requested != 0 || e.Available != 0 {
		fmt.Fprintf(&b, " (requested=%d available=%d)", e.Requested, e.Available)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientInventoryError means the finished stock cannot cover a request.
type InsufficientInventoryError struct {
	ProductID string
	OrderID   string
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s (order %s): requested=%d available=%d",
		e.ProductID, e.OrderID, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// ConsistencyViolationError is returned when a re-read right before a write
// shows the precondition no longer holds.
type ConsistencyViolationError struct {
	Entity    string
	ID        string
	Reason    string
	Attempted int
	Available int
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("consistency: %s %s: %s (attempted=%d available=%d)",
		e.Entity, e.ID, e.Reason, e.Attempted, e.Available)
}

func (e *ConsistencyViolationError) Unwrap() error { return ErrConsistency }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}
