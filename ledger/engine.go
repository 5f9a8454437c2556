/*
engine.go - Gift certificate ledger operations

PURPOSE:
  The Engine decides whether a requested operation may proceed, computes
  its effect, and appends the resulting record. It holds no state between
  calls: each operation loads the certificate's full history, validates
  against it, and writes, all inside one TxStore.WithCertificate scope.

OPERATIONS AND PRECONDITIONS (checked in this order):

  PreAuthorize(amount)
    balance >= amount                         else InsufficientBalance
    → Authorization with a fresh code

  Capture(code, amount)
    authorization exists                      else AuthorizationNotFound
    no reversal                               else AlreadyReversed
    no capture                                else AlreadyCaptured
    authorization.amount >= amount            else CaptureExceedsAuthorization
    → Capture

  ReversePreAuthorization(code, amount)
    authorization exists                      else AuthorizationNotFound
    no reversal                               else AlreadyReversed
    if captured: Refund(code, capture.amount), the requested amount is
                 ignored and no Reversal is written
    amount == authorization.amount            else AmountMismatch
    → Reversal

  ModifyPreAuthorization(code, amount)
    authorization exists                      else AuthorizationNotFound
    no reversal                               else AlreadyReversed
    no capture                                else AlreadyCaptured
    balance + authorization.amount >= amount  else InsufficientBalance
    → Authorization amount revised in place

  Refund(code, amount)
    capture exists                            else NotCaptured
    amount <= capture - Σ prior refunds       else RefundExceedsCaptured
    → Refund

  Every amount must be positive (InvalidAmount) before any rule above runs.

SEE ALSO:
  - balance.go: history index and balance aggregation
  - store.go: the TxStore contract that serializes these operations
*/
package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine runs ledger operations against a TxStore.
type Engine struct {
	Store  TxStore
	Codes  CodeGenerator
	Clock  Clock
	Logger *slog.Logger
}

// NewEngine returns an Engine with UUID authorization codes, the system
// clock and the default logger. A zero Engine with only Store set uses the
// same defaults.
func NewEngine(store TxStore) *Engine {
	return &Engine{
		Store:  store,
		Codes:  UUIDCodes{},
		Clock:  SystemClock{},
		Logger: slog.Default(),
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// PreAuthorize reserves amount on cert under a newly generated
// authorization code.
func (e *Engine) PreAuthorize(ctx context.Context, cert GiftCertificate, amount decimal.Decimal) (*Response, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	var resp *Response
	err := e.withLedger(ctx, cert, func(s Store, h *history) error {
		allocated, err := h.allocated()
		if err != nil {
			return err
		}
		available := cert.PurchaseAmount.Sub(allocated)
		if available.LessThan(amount) {
			return &InsufficientBalanceError{Certificate: cert.Code, Available: available, Requested: amount}
		}

		tx := e.newTransaction(cert, TxAuthorization, e.codes().GenerateAuthorizationCode(), amount)
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		resp = respond(tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().DebugContext(ctx, "authorization created",
		"certificate", cert.Code, "authorization", resp.AuthorizationCode, "amount", amount.String())
	return resp, nil
}

// Capture charges amount against an existing authorization.
func (e *Engine) Capture(ctx context.Context, cert GiftCertificate, authCode string, amount decimal.Decimal) (*Response, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	var resp *Response
	err := e.withLedger(ctx, cert, func(s Store, h *history) error {
		auth, err := h.openAuthorization(authCode)
		if err != nil {
			return err
		}
		if amount.GreaterThan(auth.Amount) {
			return &AmountError{
				Kind:              ErrCaptureExceedsAuthorization,
				AuthorizationCode: authCode,
				Limit:             auth.Amount,
				Requested:         amount,
			}
		}

		tx := e.newTransaction(cert, TxCapture, authCode, amount)
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		resp = respond(tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().DebugContext(ctx, "authorization captured",
		"certificate", cert.Code, "authorization", authCode, "amount", amount.String())
	return resp, nil
}

// ReversePreAuthorization releases an authorization. If the authorization
// was already captured, the captured amount is refunded in full instead and
// the returned Response carries the Refund record.
func (e *Engine) ReversePreAuthorization(ctx context.Context, cert GiftCertificate, authCode string, amount decimal.Decimal) (*Response, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	var resp *Response
	err := e.withLedger(ctx, cert, func(s Store, h *history) error {
		auth, ok := h.auths[authCode]
		if !ok {
			return ErrAuthorizationNotFound
		}
		if _, reversed := h.reversals[authCode]; reversed {
			return ErrAlreadyReversed
		}

		if capture, captured := h.captures[authCode]; captured {
			tx, err := e.refund(ctx, s, h, cert, authCode, capture.Amount)
			if err != nil {
				return err
			}
			resp = respond(tx)
			return nil
		}

		if !amount.Equal(auth.Amount) {
			return &AmountError{
				Kind:              ErrAmountMismatch,
				AuthorizationCode: authCode,
				Limit:             auth.Amount,
				Requested:         amount,
			}
		}

		tx := e.newTransaction(cert, TxReversal, authCode, amount)
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		resp = respond(tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().DebugContext(ctx, "authorization reversed",
		"certificate", cert.Code, "authorization", authCode, "recorded_as", resp.Transaction.Type.String())
	return resp, nil
}

// ModifyPreAuthorization changes the amount reserved by an uncaptured
// authorization. This is the only operation that rewrites a stored record.
func (e *Engine) ModifyPreAuthorization(ctx context.Context, cert GiftCertificate, authCode string, amount decimal.Decimal) (*Response, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	var resp *Response
	err := e.withLedger(ctx, cert, func(s Store, h *history) error {
		auth, err := h.openAuthorization(authCode)
		if err != nil {
			return err
		}

		allocated, err := h.allocated()
		if err != nil {
			return err
		}
		// The authorization's own reservation is released before the new
		// amount is checked.
		available := cert.PurchaseAmount.Sub(allocated).Add(auth.Amount)
		if available.LessThan(amount) {
			return &InsufficientBalanceError{Certificate: cert.Code, Available: available, Requested: amount}
		}

		if err := s.ReviseAuthorization(ctx, auth.ID, amount); err != nil {
			return err
		}
		auth.Amount = amount
		resp = respond(auth)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().DebugContext(ctx, "authorization modified",
		"certificate", cert.Code, "authorization", authCode, "amount", amount.String())
	return resp, nil
}

// Refund returns part or all of a captured amount.
func (e *Engine) Refund(ctx context.Context, cert GiftCertificate, authCode string, amount decimal.Decimal) (*Response, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	var resp *Response
	err := e.withLedger(ctx, cert, func(s Store, h *history) error {
		tx, err := e.refund(ctx, s, h, cert, authCode, amount)
		if err != nil {
			return err
		}
		resp = respond(tx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger().DebugContext(ctx, "capture refunded",
		"certificate", cert.Code, "authorization", authCode, "amount", amount.String())
	return resp, nil
}

// GetBalance returns the amount left to spend on cert.
func (e *Engine) GetBalance(ctx context.Context, cert GiftCertificate) (decimal.Decimal, error) {
	txs, err := e.Store.Transactions(ctx, cert.Code)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := Balance(cert, txs)
	if err != nil {
		e.reportCorruption(ctx, cert, err)
		return decimal.Zero, err
	}
	return balance, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// withLedger loads and indexes cert's history inside a serialized scope and
// hands both to fn.
func (e *Engine) withLedger(ctx context.Context, cert GiftCertificate, fn func(Store, *history) error) error {
	err := e.Store.WithCertificate(ctx, cert.Code, func(s Store) error {
		txs, err := s.Transactions(ctx, cert.Code)
		if err != nil {
			return err
		}
		h, err := indexHistory(txs)
		if err != nil {
			return err
		}
		return fn(s, h)
	})
	e.reportCorruption(ctx, cert, err)
	return err
}

func (e *Engine) refund(ctx context.Context, s Store, h *history, cert GiftCertificate, authCode string, amount decimal.Decimal) (Transaction, error) {
	capture, ok := h.captures[authCode]
	if !ok {
		return Transaction{}, ErrNotCaptured
	}
	remaining := capture.Amount.Sub(h.refunded(authCode))
	if amount.GreaterThan(remaining) {
		return Transaction{}, &AmountError{
			Kind:              ErrRefundExceedsCaptured,
			AuthorizationCode: authCode,
			Limit:             remaining,
			Requested:         amount,
		}
	}

	tx := e.newTransaction(cert, TxRefund, authCode, amount)
	if err := s.Append(ctx, tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// openAuthorization returns the authorization for code if it can still be
// captured or modified.
func (h *history) openAuthorization(code string) (Transaction, error) {
	auth, ok := h.auths[code]
	if !ok {
		return Transaction{}, ErrAuthorizationNotFound
	}
	if _, reversed := h.reversals[code]; reversed {
		return Transaction{}, ErrAlreadyReversed
	}
	if _, captured := h.captures[code]; captured {
		return Transaction{}, ErrAlreadyCaptured
	}
	return auth, nil
}

func (e *Engine) newTransaction(cert GiftCertificate, typ TransactionType, authCode string, amount decimal.Decimal) Transaction {
	return Transaction{
		ID:                TransactionID(uuid.NewString()),
		CertificateCode:   cert.Code,
		Type:              typ,
		AuthorizationCode: authCode,
		Amount:            amount,
		CreatedAt:         e.clock().Now(),
	}
}

func (e *Engine) reportCorruption(ctx context.Context, cert GiftCertificate, err error) {
	if err == nil || !IsFatal(err) {
		return
	}
	e.logger().ErrorContext(ctx, "gift certificate ledger corrupt",
		"certificate", cert.Code, "error", err)
}

func (e *Engine) codes() CodeGenerator {
	if e.Codes == nil {
		return UUIDCodes{}
	}
	return e.Codes
}

func (e *Engine) clock() Clock {
	if e.Clock == nil {
		return SystemClock{}
	}
	return e.Clock
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func respond(tx Transaction) *Response {
	return &Response{
		AuthorizationCode:   tx.AuthorizationCode,
		GiftCertificateCode: tx.CertificateCode,
		Transaction:         tx,
	}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
