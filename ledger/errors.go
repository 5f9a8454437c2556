/*
errors.go - Error taxonomy for the ledger engine

ERROR CATEGORIES:
  1. Business-rule violations - the request is refused, ledger untouched
  2. Ledger corruption (fatal) - history breaks an invariant; somebody
     upstream wrote records the engine would never have written
  3. Lookup failures - certificate or transaction missing

USAGE:
  Callers branch with errors.Is on the sentinels and errors.As on the
  structured types when they need the numbers:

    var ibe *ledger.InsufficientBalanceError
    if errors.As(err, &ibe) {
        log.Printf("short by %s", ibe.Shortfall())
    }

  Fatal errors must not be retried. IsFatal identifies them.
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
	// ErrInsufficientBalance is returned when an authorization (new or
	// modified) would reserve more than the certificate has left.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAuthorizationNotFound is returned when no Authorization exists for
	// the given authorization code.
	ErrAuthorizationNotFound = errors.New("authorization not found")

	// ErrAlreadyReversed is returned for any operation against an
	// authorization that has been reversed. Reversal is terminal.
	ErrAlreadyReversed = errors.New("authorization already reversed")

	// ErrAlreadyCaptured is returned when capturing or modifying an
	// authorization that already has a Capture.
	ErrAlreadyCaptured = errors.New("authorization already captured")

	ErrCaptureExceedsAuthorization = errors.New("capture amount exceeds authorized amount")

	// ErrAmountMismatch is returned when a reversal does not name the exact
	// authorized amount.
	ErrAmountMismatch = errors.New("reversal amount does not match authorized amount")

	ErrNotCaptured = errors.New("authorization not captured")

	ErrRefundExceedsCaptured = errors.New("refund amount exceeds remaining captured amount")

	// ErrDuplicateTransaction marks ledger corruption: more than one
	// Authorization, Capture or Reversal shares an authorization code.
	ErrDuplicateTransaction = errors.New("duplicate transaction for authorization code")

	// ErrRefundsExceedCapture marks ledger corruption: refunds recorded
	// against an authorization add up to more than its capture.
	ErrRefundsExceedCapture = errors.New("refunds exceed captured amount")

	// ErrInvalidAmount is returned for zero or negative requested amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	ErrCertificateNotFound = errors.New("gift certificate not found")
	ErrCertificateExists   = errors.New("gift certificate already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
// For modify, Available includes the amount currently reserved by the
// authorization being modified.
type InsufficientBalanceError struct {
	Certificate CertificateCode
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.Certificate, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// AmountError reports a requested amount that fails a comparison against
// an amount already on the ledger. Kind is one of
// ErrCaptureExceedsAuthorization, ErrAmountMismatch or
// ErrRefundExceedsCaptured.
type AmountError struct {
	Kind              error
	AuthorizationCode string
	Limit             decimal.Decimal
	Requested         decimal.Decimal
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%v: authorization %s allows %s, requested %s",
		e.Kind, e.AuthorizationCode, e.Limit.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *AmountError) Unwrap() error { return e.Kind }

// DuplicateTransactionError identifies the authorization code and variant
// that appear more than once.
type DuplicateTransactionError struct {
	AuthorizationCode string
	Type              TransactionType
	Count             int
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("ledger corrupt: %d %s transactions for authorization %s",
		e.Count, e.Type, e.AuthorizationCode)
}

func (e *DuplicateTransactionError) Unwrap() error { return ErrDuplicateTransaction }

// RefundsExceedCaptureError is raised while aggregating a history whose
// refunds outgrow their capture.
type RefundsExceedCaptureError struct {
	AuthorizationCode string
	Captured          decimal.Decimal
	Refunded          decimal.Decimal
}

func (e *RefundsExceedCaptureError) Error() string {
	return fmt.Sprintf("ledger corrupt: authorization %s refunded %s of %s captured",
		e.AuthorizationCode, e.Refunded.StringFixed(2), e.Captured.StringFixed(2))
}

func (e *RefundsExceedCaptureError) Unwrap() error { return ErrRefundsExceedCapture }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal returns true if the error means the stored ledger is corrupt.
// Such errors must be escalated, never retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrRefundsExceedCapture)
}

// IsClientError returns true if the request broke a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrAlreadyCaptured) ||
		errors.Is(err, ErrCaptureExceedsAuthorization) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrNotCaptured) ||
		errors.Is(err, ErrRefundExceedsCaptured) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrCertificateExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAuthorizationNotFound) ||
		errors.Is(err, ErrCertificateNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
