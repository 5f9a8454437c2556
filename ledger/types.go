/*
Package ledger provides the gift certificate transaction ledger and the
balance engine that replays it.

PURPOSE:
  A gift certificate is a prepaid instrument with a fixed purchase amount.
  Spending against it goes through a small payment lifecycle:
  authorize (reserve), capture (charge), reverse (release) and refund
  (return). Each step is recorded as a Transaction. The available balance
  is never stored; it is always derived by folding over the history.

KEY CONCEPTS IN THIS FILE (types.go):
  - GiftCertificate: the instrument being spent (read-only here)
  - TransactionType: closed set of four ledger variants
  - Transaction: one ledger event, correlated by authorization code
  - Response: what every mutating operation hands back to the caller

DESIGN PRINCIPLES:
  1. Append-only: the only in-place change is an Authorization amount
     revision, which has its own store method (ReviseAuthorization)
  2. Precision: amounts are decimal.Decimal, never float64
  3. Type Safety: transaction types are an enum, not free strings

SEE ALSO:
  - balance.go: the replay/aggregation algorithm
  - engine.go: operations and their preconditions
  - store.go: persistence contracts
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CertificateCode string
type TransactionID string

// =============================================================================
// GIFT CERTIFICATE
// =============================================================================

// GiftCertificate is the instrument a ledger belongs to. PurchaseAmount is
// the balance ceiling and never changes.
type GiftCertificate struct {
	Code           CertificateCode
	PurchaseAmount decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// TRANSACTION TYPE - Closed set of ledger variants
// =============================================================================

type TransactionType int

const (
	TxAuthorization TransactionType = iota + 1
	TxCapture
	TxReversal
	TxRefund
)

// AllTransactionTypes lists every variant, in lifecycle order.
var AllTransactionTypes = []TransactionType{TxAuthorization, TxCapture, TxReversal, TxRefund}

func (t TransactionType) String() string {
	switch t {
	case TxAuthorization:
		return "Authorization"
	case TxCapture:
		return "Capture"
	case TxReversal:
		return "Authorization Reversal"
	case TxRefund:
		return "Refund"
	}
	return fmt.Sprintf("TransactionType(%d)", int(t))
}

// Valid reports whether t is one of the four known variants.
func (t TransactionType) Valid() bool {
	return t >= TxAuthorization && t <= TxRefund
}

// ParseTransactionType maps a wire name back to its variant.
func ParseTransactionType(s string) (TransactionType, error) {
	for _, t := range AllTransactionTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction type %q", s)
}

// MarshalText encodes the wire name so JSON and other text codecs carry
// "Authorization" rather than an integer.
func (t TransactionType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid transaction type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *TransactionType) UnmarshalText(b []byte) error {
	parsed, err := ParseTransactionType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// TRANSACTION - One ledger event
// =============================================================================

// Transaction is one event in a certificate's ledger.
//
// Amount meaning depends on Type:
//   - Authorization: amount reserved
//   - Capture:       amount charged
//   - Reversal:      amount released
//   - Refund:        amount returned
//
// AuthorizationCode ties Capture, Reversal and Refund records back to the
// Authorization that created the code.
type Transaction struct {
	ID                TransactionID
	CertificateCode   CertificateCode
	Type              TransactionType
	AuthorizationCode string
	Amount            decimal.Decimal
	CreatedAt         time.Time
}

// =============================================================================
// RESPONSE
// =============================================================================

// Response is returned by every mutating engine operation. Transaction is
// the record that was appended (or revised, for modify).
type Response struct {
	AuthorizationCode   string
	GiftCertificateCode CertificateCode
	Transaction         Transaction
}
