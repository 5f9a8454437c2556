/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Certificate registration and lookup
- The authorize / modify / capture / refund / reverse flow over HTTP
- Error status mapping
- Metrics and health endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/giftcert-ledger/internal/platform/logger"
	"github.com/warp/giftcert-ledger/internal/platform/metrics"
	"github.com/warp/giftcert-ledger/ledger/store"
)

// =============================================================================
// HELPERS
// =============================================================================

type testServer struct {
	handler *Handler
	store   *store.Memory
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(mem, metrics.NewRecorder(), logger.NewWithWriter(io.Discard, "error"))
	h.now = func() time.Time { return time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC) }
	return &testServer{handler: h, store: mem, router: NewRouter(h, []string{"http://localhost:5173"})}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func (s *testServer) createCertificate(t *testing.T, code, amount string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/certificates",
		`{"code":"`+code+`","purchase_amount":"`+amount+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) authorize(t *testing.T, code, amount string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/certificates/"+code+"/authorizations", amountBody(amount))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[OperationDTO](t, rec).AuthorizationCode
}

func (s *testServer) balance(t *testing.T, code string) BalanceDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/certificates/"+code+"/balance", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[BalanceDTO](t, rec)
}

func amountBody(amount string) string {
	return `{"amount":"` + amount + `"}`
}

func authPath(code, auth, action string) string {
	p := "/api/certificates/" + code + "/authorizations/" + auth
	if action != "" {
		p += "/" + action
	}
	return p
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func TestCertificates_RegisterAndLookup(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A registered certificate
	s.createCertificate(t, "GC-1", "100.00")

	// WHEN: The same code is registered again
	rec := s.do(t, http.MethodPost, "/api/certificates", `{"code":"GC-1","purchase_amount":"5.00"}`)

	// THEN: It conflicts
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "certificate_exists", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/certificates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]CertificateDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "100.00", list[0].PurchaseAmount)

	rec = s.do(t, http.MethodGet, "/api/certificates/GC-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cert := decodeBody[CertificateDTO](t, rec)
	assert.Equal(t, "GC-1", cert.Code)
	assert.Equal(t, "100.00", cert.Balance)
	assert.Equal(t, "2025-03-10T12:00:00Z", cert.CreatedAt)
}

func TestCertificates_RegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed json", `{"code":`, "invalid_body"},
		{"missing code", `{"purchase_amount":"10.00"}`, "validation_failed"},
		{"slash in code", `{"code":"GC/1","purchase_amount":"10.00"}`, "validation_failed"},
		{"query char in code", `{"code":"GC?1","purchase_amount":"10.00"}`, "validation_failed"},
		{"percent in code", `{"code":"GC%2F1","purchase_amount":"10.00"}`, "validation_failed"},
		{"space in code", `{"code":"GC 1","purchase_amount":"10.00"}`, "validation_failed"},
		{"code too long", `{"code":"` + strings.Repeat("A", 65) + `","purchase_amount":"10.00"}`, "validation_failed"},
		{"non numeric amount", `{"code":"GC-1","purchase_amount":"ten"}`, "validation_failed"},
		{"zero amount", `{"code":"GC-1","purchase_amount":"0"}`, "invalid_amount"},
		{"negative amount", `{"code":"GC-1","purchase_amount":"-5.00"}`, "invalid_amount"},
		{"sub-cent amount", `{"code":"GC-1","purchase_amount":"10.005"}`, "invalid_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/certificates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestCertificates_CodeCharset(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: Codes using every allowed character class
	for _, code := range []string{"GC-1", "gc_2", "ABC123"} {
		s.createCertificate(t, code, "10.00")

		// THEN: Each one is reachable through its own route
		rec := s.do(t, http.MethodGet, "/api/certificates/"+code, "")
		assert.Equal(t, http.StatusOK, rec.Code, code)
	}

	// AND: A rejected code leaves nothing in the registry
	rec := s.do(t, http.MethodPost, "/api/certificates", `{"code":"GC/1","purchase_amount":"10.00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/certificates", "")
	assert.Len(t, decodeBody[[]CertificateDTO](t, rec), 3)
}

func TestCertificates_Unknown(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/certificates/nope",
		"/api/certificates/nope/balance",
		"/api/certificates/nope/transactions",
	} {
		rec := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "certificate_not_found", decodeBody[ErrorResponse](t, rec).Code, path)
	}

	rec := s.do(t, http.MethodPost, "/api/certificates/nope/authorizations", amountBody("1.00"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

func TestOperations_FullFlow(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "100.00")

	// GIVEN: A 30.00 authorization
	auth := s.authorize(t, "GC-1", "30.00")
	assert.Equal(t, "70.00", s.balance(t, "GC-1").Balance)

	// WHEN: It is raised to 40.00
	rec := s.do(t, http.MethodPut, authPath("GC-1", auth, ""), amountBody("40.00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	modified := decodeBody[OperationDTO](t, rec)
	assert.Equal(t, "40.00", modified.Transaction.Amount)
	assert.Equal(t, "Authorization", modified.Transaction.Type)
	assert.Equal(t, "60.00", s.balance(t, "GC-1").Balance)

	// AND: 35.00 is captured, then 5.00 refunded
	rec = s.do(t, http.MethodPost, authPath("GC-1", auth, "capture"), amountBody("35.00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Capture", decodeBody[OperationDTO](t, rec).Transaction.Type)

	rec = s.do(t, http.MethodPost, authPath("GC-1", auth, "refunds"), amountBody("5.00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decodeBody[OperationDTO](t, rec)
	assert.Equal(t, "Refund", refund.Transaction.Type)
	assert.Equal(t, "GC-1", refund.GiftCertificateCode)
	assert.Equal(t, auth, refund.AuthorizationCode)

	// THEN: The balance reflects capture minus refunds
	bal := s.balance(t, "GC-1")
	assert.Equal(t, "70.00", bal.Balance)
	assert.Equal(t, "30.00", bal.Allocated)
	require.Len(t, bal.Authorizations, 1)
	assert.Equal(t, "captured", bal.Authorizations[0].Status)
	assert.Equal(t, "40.00", bal.Authorizations[0].Authorized)
	assert.Equal(t, "35.00", bal.Authorizations[0].Captured)
	assert.Equal(t, "5.00", bal.Authorizations[0].Refunded)
	assert.Equal(t, "30.00", bal.Authorizations[0].Holding)

	rec = s.do(t, http.MethodGet, "/api/certificates/GC-1/transactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	txs := decodeBody[[]TransactionDTO](t, rec)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"Authorization", "Capture", "Refund"},
		[]string{txs[0].Type, txs[1].Type, txs[2].Type})
	assert.Equal(t, "40.00", txs[0].Amount)
}

func TestOperations_ReverseBeforeAndAfterCapture(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "100.00")

	// Before capture: recorded as a reversal
	open := s.authorize(t, "GC-1", "20.00")
	rec := s.do(t, http.MethodPost, authPath("GC-1", open, "reverse"), amountBody("20.00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Authorization Reversal", decodeBody[OperationDTO](t, rec).Transaction.Type)

	// After capture: recorded as a full refund
	captured := s.authorize(t, "GC-1", "30.00")
	rec = s.do(t, http.MethodPost, authPath("GC-1", captured, "capture"), amountBody("25.00"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, authPath("GC-1", captured, "reverse"), amountBody("30.00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decodeBody[OperationDTO](t, rec)
	assert.Equal(t, "Refund", refund.Transaction.Type)
	assert.Equal(t, "25.00", refund.Transaction.Amount)

	assert.Equal(t, "100.00", s.balance(t, "GC-1").Balance)
}

func TestOperations_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "50.00")

	captured := s.authorize(t, "GC-1", "10.00")
	require.Equal(t, http.StatusCreated,
		s.do(t, http.MethodPost, authPath("GC-1", captured, "capture"), amountBody("10.00")).Code)
	reversed := s.authorize(t, "GC-1", "5.00")
	require.Equal(t, http.StatusCreated,
		s.do(t, http.MethodPost, authPath("GC-1", reversed, "reverse"), amountBody("5.00")).Code)
	open := s.authorize(t, "GC-1", "15.00")

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"insufficient balance", http.MethodPost, "/api/certificates/GC-1/authorizations", amountBody("30.00"), http.StatusUnprocessableEntity, "insufficient_balance"},
		{"zero amount", http.MethodPost, "/api/certificates/GC-1/authorizations", amountBody("0"), http.StatusBadRequest, "invalid_amount"},
		{"sub-cent amount", http.MethodPost, "/api/certificates/GC-1/authorizations", amountBody("1.001"), http.StatusBadRequest, "invalid_amount"},
		{"missing amount", http.MethodPost, "/api/certificates/GC-1/authorizations", `{}`, http.StatusBadRequest, "validation_failed"},
		{"malformed body", http.MethodPost, "/api/certificates/GC-1/authorizations", `nope`, http.StatusBadRequest, "invalid_body"},
		{"unknown authorization", http.MethodPost, authPath("GC-1", "missing", "capture"), amountBody("1.00"), http.StatusNotFound, "authorization_not_found"},
		{"capture twice", http.MethodPost, authPath("GC-1", captured, "capture"), amountBody("1.00"), http.StatusConflict, "already_captured"},
		{"capture reversed", http.MethodPost, authPath("GC-1", reversed, "capture"), amountBody("1.00"), http.StatusConflict, "already_reversed"},
		{"capture too much", http.MethodPost, authPath("GC-1", open, "capture"), amountBody("15.01"), http.StatusUnprocessableEntity, "capture_exceeds_authorization"},
		{"reverse wrong amount", http.MethodPost, authPath("GC-1", open, "reverse"), amountBody("14.00"), http.StatusUnprocessableEntity, "amount_mismatch"},
		{"refund uncaptured", http.MethodPost, authPath("GC-1", open, "refunds"), amountBody("1.00"), http.StatusConflict, "not_captured"},
		{"refund too much", http.MethodPost, authPath("GC-1", captured, "refunds"), amountBody("10.01"), http.StatusUnprocessableEntity, "refund_exceeds_captured"},
		{"modify captured", http.MethodPut, authPath("GC-1", captured, ""), amountBody("1.00"), http.StatusConflict, "already_captured"},
		{"modify beyond balance", http.MethodPut, authPath("GC-1", open, ""), amountBody("41.00"), http.StatusUnprocessableEntity, "insufficient_balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	// Rejected operations leave the ledger untouched
	assert.Equal(t, "25.00", s.balance(t, "GC-1").Balance)
}

func TestOperations_CorruptLedgerIs500(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "100.00")
	auth := s.authorize(t, "GC-1", "30.00")
	s.corruptWithDuplicateCapture(t, "GC-1", auth)

	rec := s.do(t, http.MethodGet, "/api/certificates/GC-1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ledger_corrupt", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/certificates/GC-1/authorizations", amountBody("1.00"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// =============================================================================
// METRICS AND HEALTH
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "10.00")
	s.authorize(t, "GC-1", "5.00")
	s.do(t, http.MethodPost, "/api/certificates/GC-1/authorizations", amountBody("50.00"))

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `giftcert_ledger_operations_total{operation="pre_authorize",outcome="ok"} 1`)
	assert.Contains(t, body, `giftcert_ledger_operations_total{operation="pre_authorize",outcome="rejected"} 1`)
	assert.Contains(t, body, "giftcert_ledger_operation_duration_seconds")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"ok"`))
}
