/*
handlers.go - HTTP API handlers for the gift certificate ledger

ENDPOINTS:
  Certificates:
    GET    /api/certificates                         List certificates
    POST   /api/certificates                         Register certificate
    GET    /api/certificates/{code}                  Certificate + balance
    GET    /api/certificates/{code}/balance          Balance breakdown
    GET    /api/certificates/{code}/transactions     Ledger history
    GET    /api/audit                                Last integrity audit

  Ledger operations (body: {"amount": "30.00"}):
    POST   /api/certificates/{code}/authorizations                Pre-authorize
    PUT    /api/certificates/{code}/authorizations/{auth}         Modify
    POST   /api/certificates/{code}/authorizations/{auth}/capture Capture
    POST   /api/certificates/{code}/authorizations/{auth}/reverse Reverse
    POST   /api/certificates/{code}/authorizations/{auth}/refunds Refund

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid amount
  - 404: Certificate or authorization not found
  - 409: Operation conflicts with authorization state
  - 422: Amount rule violated (balance, capture, refund limits)
  - 500: Storage failure or corrupt ledger (logged at error level)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/giftcert-ledger/internal/platform/metrics"
	"github.com/warp/giftcert-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   ledger.Backend
	Engine  *ledger.Engine
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Audit   *AuditScheduler

	validate *validator.Validate
	now      func() time.Time
}

// NewHandler wires a handler around store. The engine shares the handler's
// logger.
func NewHandler(store ledger.Backend, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	engine := ledger.NewEngine(store)
	engine.Logger = logger
	return &Handler{
		Store:    store,
		Engine:   engine,
		Metrics:  recorder,
		Logger:   logger,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// CERTIFICATE HANDLERS
// =============================================================================

// ListCertificates returns all gift certificates.
func (h *Handler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.Store.ListCertificates(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]CertificateDTO, len(certs))
	for i, c := range certs {
		dtos[i] = toCertificateDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCertificate registers a new gift certificate.
func (h *Handler) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	var req CreateCertificateRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := parseAmount(req.PurchaseAmount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	cert := ledger.GiftCertificate{
		Code:           ledger.CertificateCode(req.Code),
		PurchaseAmount: amount,
		CreatedAt:      h.now(),
	}
	if err := h.Store.SaveCertificate(r.Context(), cert); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.Logger.InfoContext(r.Context(), "gift certificate registered",
		"certificate", cert.Code, "purchase_amount", amount.String())
	writeJSON(w, http.StatusCreated, toCertificateDTO(cert))
}

// GetCertificate returns a certificate with its current balance.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, ok := h.certificate(w, r)
	if !ok {
		return
	}

	start := time.Now()
	balance, err := h.Engine.GetBalance(r.Context(), cert)
	h.Metrics.Observe("balance", start, err)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dto := toCertificateDTO(cert)
	dto.Balance = balance.StringFixed(2)
	writeJSON(w, http.StatusOK, dto)
}

// GetBalance returns the balance with a per-authorization breakdown.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	cert, ok := h.certificate(w, r)
	if !ok {
		return
	}

	dto, err := h.balanceDTO(r, cert)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions returns the ledger history in write order.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	cert, ok := h.certificate(w, r)
	if !ok {
		return
	}

	txs, err := h.Store.Transactions(r.Context(), cert.Code)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) balanceDTO(r *http.Request, cert ledger.GiftCertificate) (BalanceDTO, error) {
	txs, err := h.Store.Transactions(r.Context(), cert.Code)
	if err != nil {
		return BalanceDTO{}, err
	}

	start := time.Now()
	dto, err := buildBalance(cert, txs, h.now())
	h.Metrics.Observe("balance", start, err)
	return dto, err
}

func buildBalance(cert ledger.GiftCertificate, txs []ledger.Transaction, asOf time.Time) (BalanceDTO, error) {
	allocated, err := ledger.CalcTransactionBalance(txs)
	if err != nil {
		return BalanceDTO{}, err
	}
	summaries, err := ledger.Summarize(txs)
	if err != nil {
		return BalanceDTO{}, err
	}

	auths := make([]AuthorizationDTO, len(summaries))
	for i, s := range summaries {
		auths[i] = toAuthorizationDTO(s)
	}
	return BalanceDTO{
		Code:           string(cert.Code),
		PurchaseAmount: cert.PurchaseAmount.StringFixed(2),
		Allocated:      allocated.StringFixed(2),
		Balance:        cert.PurchaseAmount.Sub(allocated).StringFixed(2),
		Authorizations: auths,
		AsOf:           asOf.Format(time.RFC3339),
	}, nil
}

// GetAuditReport returns the last integrity audit.
func (h *Handler) GetAuditReport(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit is not configured", "audit_disabled", nil)
		return
	}
	h.Audit.ServeReport(w, r)
}

// =============================================================================
// LEDGER OPERATION HANDLERS
// =============================================================================

// operation is the common shape of every mutating engine call.
type operation func(h *Handler, r *http.Request, cert ledger.GiftCertificate, authCode string, amount decimal.Decimal) (*ledger.Response, error)

// PreAuthorize reserves funds and returns the new authorization code.
func (h *Handler) PreAuthorize(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, "pre_authorize", http.StatusCreated,
		func(h *Handler, r *http.Request, cert ledger.GiftCertificate, _ string, amount decimal.Decimal) (*ledger.Response, error) {
			return h.Engine.PreAuthorize(r.Context(), cert, amount)
		})
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, "capture", http.StatusCreated,
		func(h *Handler, r *http.Request, cert ledger.GiftCertificate, authCode string, amount decimal.Decimal) (*ledger.Response, error) {
			return h.Engine.Capture(r.Context(), cert, authCode, amount)
		})
}

// ReversePreAuthorization answers with the Refund record when the
// authorization had already been captured.
func (h *Handler) ReversePreAuthorization(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, "reverse", http.StatusCreated,
		func(h *Handler, r *http.Request, cert ledger.GiftCertificate, authCode string, amount decimal.Decimal) (*ledger.Response, error) {
			return h.Engine.ReversePreAuthorization(r.Context(), cert, authCode, amount)
		})
}

// ModifyPreAuthorization revises an existing authorization; nothing new is
// created, hence 200.
func (h *Handler) ModifyPreAuthorization(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, "modify", http.StatusOK,
		func(h *Handler, r *http.Request, cert ledger.GiftCertificate, authCode string, amount decimal.Decimal) (*ledger.Response, error) {
			return h.Engine.ModifyPreAuthorization(r.Context(), cert, authCode, amount)
		})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.runOperation(w, r, "refund", http.StatusCreated,
		func(h *Handler, r *http.Request, cert ledger.GiftCertificate, authCode string, amount decimal.Decimal) (*ledger.Response, error) {
			return h.Engine.Refund(r.Context(), cert, authCode, amount)
		})
}

func (h *Handler) runOperation(w http.ResponseWriter, r *http.Request, name string, status int, op operation) {
	cert, ok := h.certificate(w, r)
	if !ok {
		return
	}

	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	start := time.Now()
	resp, err := op(h, r, cert, chi.URLParam(r, "auth"), amount)
	h.Metrics.Observe(name, start, err)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, status, toOperationDTO(resp))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) certificate(w http.ResponseWriter, r *http.Request) (ledger.GiftCertificate, bool) {
	cert, err := h.Store.Certificate(r.Context(), ledger.CertificateCode(chi.URLParam(r, "code")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return ledger.GiftCertificate{}, false
	}
	return cert, true
}

var certCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// newValidator registers the "certcode" tag used by CreateCertificateRequest.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("certcode", func(fl validator.FieldLevel) bool {
		return certCodePattern.MatchString(fl.Field().String())
	})
	return v
}

// decode reads and validates a JSON body, answering 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "invalid_body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "validation_failed", err)
		return false
	}
	return true
}

// parseAmount accepts positive amounts with at most two decimal places.
func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ledger.ErrInvalidAmount, s)
	}
	if !amount.IsPositive() {
		return decimal.Zero, ledger.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than two decimal places", ledger.ErrInvalidAmount, s)
	}
	return amount, nil
}

// errorStatus maps a ledger error to an HTTP status and reason code.
func errorStatus(err error) (int, string, string) {
	switch {
	case ledger.IsFatal(err):
		return http.StatusInternalServerError, "ledger_corrupt", "Ledger is inconsistent"
	case errors.Is(err, ledger.ErrCertificateNotFound):
		return http.StatusNotFound, "certificate_not_found", "Gift certificate not found"
	case errors.Is(err, ledger.ErrAuthorizationNotFound):
		return http.StatusNotFound, "authorization_not_found", "Authorization not found"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", "Invalid amount"
	case errors.Is(err, ledger.ErrCertificateExists):
		return http.StatusConflict, "certificate_exists", "Gift certificate already exists"
	case errors.Is(err, ledger.ErrAlreadyReversed):
		return http.StatusConflict, "already_reversed", "Authorization already reversed"
	case errors.Is(err, ledger.ErrAlreadyCaptured):
		return http.StatusConflict, "already_captured", "Authorization already captured"
	case errors.Is(err, ledger.ErrNotCaptured):
		return http.StatusConflict, "not_captured", "Authorization not captured"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance", "Insufficient balance"
	case errors.Is(err, ledger.ErrCaptureExceedsAuthorization):
		return http.StatusUnprocessableEntity, "capture_exceeds_authorization", "Capture exceeds authorized amount"
	case errors.Is(err, ledger.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, "amount_mismatch", "Reversal amount does not match authorization"
	case errors.Is(err, ledger.ErrRefundExceedsCaptured):
		return http.StatusUnprocessableEntity, "refund_exceeds_captured", "Refund exceeds captured amount"
	}
	return http.StatusInternalServerError, "internal", "Internal error"
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), message,
			"error", err, "request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path)
	}
	writeError(w, status, message, code, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
