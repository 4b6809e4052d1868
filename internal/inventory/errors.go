package inventory

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
)

var printer = message.NewPrinter(language.English)

// ValidationError reports a malformed or missing field. It is returned before
// any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return httpx.ErrValidation }

// InsufficientQuantityError is the expected outcome of a pick that cannot be
// satisfied. No lot was modified.
type InsufficientQuantityError struct {
	ItemCode  string
	LotID     int64
	Available int64
	Requested int64
}

func (e *InsufficientQuantityError) Error() string {
	if e.LotID != 0 {
		return printer.Sprintf("inventory: insufficient quantity in lot %s of %s: available %d, requested %d", strconv.FormatInt(e.LotID, 10), e.ItemCode, e.Available, e.Requested)
	}
	return printer.Sprintf("inventory: insufficient quantity of %s: available %d, requested %d", e.ItemCode, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return httpx.ErrConflict }

// LotNotFoundError reports a lot or item/lot combination that does not exist.
type LotNotFoundError struct {
	LotID    int64
	ItemCode string
}

func (e *LotNotFoundError) Error() string {
	switch {
	case e.LotID != 0 && e.ItemCode != "":
		return fmt.Sprintf("inventory: lot %d of %s not found", e.LotID, e.ItemCode)
	case e.LotID != 0:
		return fmt.Sprintf("inventory: lot %d not found", e.LotID)
	default:
		return fmt.Sprintf("inventory: no lot found for %s", e.ItemCode)
	}
}

func (e *LotNotFoundError) Unwrap() error { return httpx.ErrNotFound }

var (
	// ErrStoreUnavailable wraps pool exhaustion and backing-store failures.
	ErrStoreUnavailable = fmt.Errorf("inventory: store unavailable: %w", httpx.ErrUnavailable)
	// ErrRetriesExhausted is the ErrStoreUnavailable returned once a
	// transaction lost every retry to concurrent writers.
	ErrRetriesExhausted = fmt.Errorf("inventory: retries exhausted: %w", ErrStoreUnavailable)
	// ErrConcurrencyConflict marks a transaction aborted by a concurrent
	// writer. The service retries it and never returns it directly.
	ErrConcurrencyConflict = errors.New("inventory: concurrent update conflict")

	errLotMissing = errors.New("inventory: lot missing")
)

func validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// isDomainError reports errors that are returned to callers untouched.
func isDomainError(err error) bool {
	var (
		ve *ValidationError
		ie *InsufficientQuantityError
		ne *LotNotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &ie) || errors.As(err, &ne) || errors.Is(err, httpx.ErrConflict)
}
