package model

import (
	"errors"
	"fmt"
)

// Expected business outcomes. Anything else returned by the engine is an infrastructure fault.
var (
	ErrNotFound                 = errors.New("not found")
	ErrCapacityExceeded         = errors.New("capacity exceeded")
	ErrSlotBlocked              = errors.New("slot blocked")
	ErrSlotNotFound             = errors.New("slot not found")
	ErrNoCapacity               = errors.New("no capacity")
	ErrDuplicateSlot            = errors.New("duplicate slot")
	ErrDuplicateExternalEvent   = errors.New("duplicate external event")
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrPaymentReferenceMismatch = errors.New("payment reference mismatch")
	ErrInsufficientBalance      = errors.New("insufficient voucher balance")
	ErrVoucherExpired           = errors.New("voucher expired")
	ErrVoucherNotFound          = errors.New("voucher not found")
)

// ValidationError is a user-correctable request problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsContention reports whether err is an expected capacity outcome.
func IsContention(err error) bool {
	return errors.Is(err, ErrNoCapacity) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrSlotBlocked) ||
		errors.Is(err, ErrSlotNotFound)
}
