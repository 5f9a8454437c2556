/*
balance.go - Balance derivation by replaying the ledger

PURPOSE:
  The balance of a certificate is never stored. It is recomputed from the
  full transaction history every time it is needed:

    balance = purchaseAmount - Σ contribution(authorization)

  where each Authorization contributes what it still holds against the
  certificate:

    Reversal exists       → 0                      (fully released)
    no Capture            → authorization amount   (still reserved)
    Capture exists        → capture - Σ refunds    (charged, net of returns)

  A negative capture-minus-refunds is ledger corruption and aborts with
  RefundsExceedCaptureError. More than one Authorization, Capture or
  Reversal for a code aborts with DuplicateTransactionError.

  Capture, Reversal and Refund records whose code has no Authorization do
  not contribute; only authorizations are roots.

EXAMPLE:
  purchase 100.00
  [Authorization A1 30.00] [Capture A1 30.00] [Refund A1 10.00]
  A1 contributes 30.00 - 10.00 = 20.00 → balance 80.00

SEE ALSO:
  - engine.go: uses the same index to validate operations
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// HISTORY INDEX
// =============================================================================

// history groups a ledger by variant and authorization code.
type history struct {
	codes     []string // authorization codes in ledger order
	auths     map[string]Transaction
	captures  map[string]Transaction
	reversals map[string]Transaction
	refunds   map[string][]Transaction
}

func indexHistory(txs []Transaction) (*history, error) {
	h := &history{
		auths:     make(map[string]Transaction),
		captures:  make(map[string]Transaction),
		reversals: make(map[string]Transaction),
		refunds:   make(map[string][]Transaction),
	}

	type dupKey struct {
		code string
		typ  TransactionType
	}
	counts := make(map[dupKey]int)
	var firstDup *dupKey

	for _, tx := range txs {
		var target map[string]Transaction
		switch tx.Type {
		case TxAuthorization:
			target = h.auths
		case TxCapture:
			target = h.captures
		case TxReversal:
			target = h.reversals
		case TxRefund:
			h.refunds[tx.AuthorizationCode] = append(h.refunds[tx.AuthorizationCode], tx)
			continue
		default:
			return nil, fmt.Errorf("transaction %s: unknown type %d", tx.ID, int(tx.Type))
		}

		k := dupKey{code: tx.AuthorizationCode, typ: tx.Type}
		counts[k]++
		if counts[k] > 1 {
			if firstDup == nil {
				firstDup = &k
			}
			continue
		}
		target[tx.AuthorizationCode] = tx
		if tx.Type == TxAuthorization {
			h.codes = append(h.codes, tx.AuthorizationCode)
		}
	}

	if firstDup != nil {
		return nil, &DuplicateTransactionError{
			AuthorizationCode: firstDup.code,
			Type:              firstDup.typ,
			Count:             counts[*firstDup],
		}
	}
	return h, nil
}

func (h *history) refunded(code string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range h.refunds[code] {
		total = total.Add(r.Amount)
	}
	return total
}

// contribution is what the authorization identified by code still holds
// against the certificate.
func (h *history) contribution(code string) (decimal.Decimal, error) {
	auth, ok := h.auths[code]
	if !ok {
		return decimal.Zero, nil
	}
	if _, reversed := h.reversals[code]; reversed {
		return decimal.Zero, nil
	}
	capture, captured := h.captures[code]
	if !captured {
		return auth.Amount, nil
	}

	refunded := h.refunded(code)
	net := capture.Amount.Sub(refunded)
	if net.IsNegative() {
		return decimal.Zero, &RefundsExceedCaptureError{
			AuthorizationCode: code,
			Captured:          capture.Amount,
			Refunded:          refunded,
		}
	}
	return net, nil
}

func (h *history) allocated() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, code := range h.codes {
		c, err := h.contribution(code)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(c)
	}
	return total, nil
}

// =============================================================================
// AGGREGATION
// =============================================================================

// CalcTransactionBalance returns the total amount the history holds against
// its certificate. It is a pure function of txs.
func CalcTransactionBalance(txs []Transaction) (decimal.Decimal, error) {
	h, err := indexHistory(txs)
	if err != nil {
		return decimal.Zero, err
	}
	return h.allocated()
}

// Balance returns what is left to spend on cert given its history.
func Balance(cert GiftCertificate, txs []Transaction) (decimal.Decimal, error) {
	allocated, err := CalcTransactionBalance(txs)
	if err != nil {
		return decimal.Zero, err
	}
	return cert.PurchaseAmount.Sub(allocated), nil
}

// =============================================================================
// SUMMARY - Per-authorization view for display
// =============================================================================

type AuthorizationStatus string

const (
	StatusAuthorized AuthorizationStatus = "authorized"
	StatusCaptured   AuthorizationStatus = "captured"
	StatusRefunded   AuthorizationStatus = "refunded" // captured and fully refunded
	StatusReversed   AuthorizationStatus = "reversed"
)

// AuthorizationSummary is the folded state of one authorization code.
type AuthorizationSummary struct {
	AuthorizationCode string
	Status            AuthorizationStatus
	Authorized        decimal.Decimal
	Captured          decimal.Decimal
	Refunded          decimal.Decimal
	Contribution      decimal.Decimal
	AuthorizedAt      time.Time
}

// Summarize folds the history into one summary per authorization, in the
// order the authorizations were created.
func Summarize(txs []Transaction) ([]AuthorizationSummary, error) {
	h, err := indexHistory(txs)
	if err != nil {
		return nil, err
	}

	out := make([]AuthorizationSummary, 0, len(h.codes))
	for _, code := range h.codes {
		contribution, err := h.contribution(code)
		if err != nil {
			return nil, err
		}
		auth := h.auths[code]
		s := AuthorizationSummary{
			AuthorizationCode: code,
			Status:            StatusAuthorized,
			Authorized:        auth.Amount,
			Captured:          decimal.Zero,
			Refunded:          h.refunded(code),
			Contribution:      contribution,
			AuthorizedAt:      auth.CreatedAt,
		}
		if capture, ok := h.captures[code]; ok {
			s.Captured = capture.Amount
			s.Status = StatusCaptured
			if s.Refunded.Equal(capture.Amount) {
				s.Status = StatusRefunded
			}
		}
		if _, ok := h.reversals[code]; ok {
			s.Status = StatusReversed
		}
		out = append(out, s)
	}
	return out, nil
}
