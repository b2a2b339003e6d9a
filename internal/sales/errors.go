package sales

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a product or sale with the given ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrInsufficientStock is returned when a conditional decrement finds less stock than requested.
var ErrInsufficientStock = errors.New("insufficient stock")

// ErrConflict is returned when a unit of work observed data that a concurrent commit changed.
// It is the only error the engine retries.
var ErrConflict = errors.New("conflicting concurrent update")

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrInvalidRequest is returned for malformed carts and restock amounts.
var ErrInvalidRequest = errors.New("invalid request")

// ErrTxDone is returned when a finished unit of work is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// ErrorKind classifies a failed sale for the caller.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "InvalidRequest"
	KindNotFound          ErrorKind = "NotFound"
	KindInsufficientStock ErrorKind = "InsufficientStock"
	KindConflict          ErrorKind = "Conflict"
	KindStoreUnavailable  ErrorKind = "StoreUnavailable"
	KindCanceled          ErrorKind = "Canceled"
)

// SaleError is the structured rejection returned by ProcessSale.
type SaleError struct {
	Kind      ErrorKind `json:"kind"`
	ProductID int64     `json:"productId,omitempty"`
	Err       error     `json:"-"`
}

func (e *SaleError) Error() string {
	msg := string(e.Kind)
	if e.ProductID != 0 {
		msg = fmt.Sprintf("%s: product %d", msg, e.ProductID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SaleError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err, falling back to StoreUnavailable for
// anything that is not a SaleError.
func KindOf(err error) ErrorKind {
	var se *SaleError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStoreUnavailable
}
