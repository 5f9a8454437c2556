package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/giftcert-ledger/ledger"
)

// corruptWithDuplicateCapture writes two captures for auth directly to the
// store, bypassing the engine.
func (s *testServer) corruptWithDuplicateCapture(t *testing.T, code, auth string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"dup-capture-1", "dup-capture-2"} {
		require.NoError(t, s.store.Append(ctx, ledger.Transaction{
			ID:                ledger.TransactionID(id),
			CertificateCode:   ledger.CertificateCode(code),
			Type:              ledger.TxCapture,
			AuthorizationCode: auth,
			Amount:            decimal.NewFromInt(10),
			CreatedAt:         time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
		}))
	}
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", "")
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[[]ScenarioDTO](t, rec)
	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
		assert.NotEmpty(t, sc.Name)
		assert.NotEmpty(t, sc.Description)
	}
	assert.Equal(t, []string{"fresh", "authorized", "partially-refunded", "reversed", "reversed-after-capture"}, ids)
}

func TestLoadScenario(t *testing.T) {
	tests := []struct {
		id          string
		wantBalance string
		wantTypes   []string
	}{
		{"fresh", "100.00", []string{}},
		{"authorized", "70.00", []string{"Authorization"}},
		{"partially-refunded", "80.00", []string{"Authorization", "Capture", "Refund"}},
		{"reversed", "100.00", []string{"Authorization", "Authorization Reversal"}},
		{"reversed-after-capture", "100.00", []string{"Authorization", "Capture", "Refund"}},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s := newTestServer(t)

			// WHEN: The scenario is loaded
			rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+tt.id+`"}`)
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
			loaded := decodeBody[ScenarioLoadedDTO](t, rec)

			// THEN: A fresh certificate carries the expected ledger
			assert.Equal(t, tt.id, loaded.Scenario.ID)
			assert.True(t, strings.HasPrefix(loaded.Certificate.Code, tt.id+"-"), loaded.Certificate.Code)
			assert.Equal(t, "100.00", loaded.Certificate.PurchaseAmount)
			assert.Equal(t, tt.wantBalance, loaded.Balance.Balance)

			rec = s.do(t, http.MethodGet, "/api/certificates/"+loaded.Certificate.Code+"/transactions", "")
			require.Equal(t, http.StatusOK, rec.Code)
			txs := decodeBody[[]TransactionDTO](t, rec)
			types := make([]string, len(txs))
			for i, tx := range txs {
				types[i] = tx.Type
			}
			assert.Equal(t, tt.wantTypes, types)
		})
	}
}

func TestLoadScenario_TwiceYieldsTwoCertificates(t *testing.T) {
	s := newTestServer(t)

	first := decodeBody[ScenarioLoadedDTO](t, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"authorized"}`))
	second := decodeBody[ScenarioLoadedDTO](t, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"authorized"}`))
	assert.NotEqual(t, first.Certificate.Code, second.Certificate.Code)

	certs, err := s.store.ListCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, certs, 2)
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "scenario_not_found", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_FindsCorruptLedgers(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-OK", "100.00")
	s.authorize(t, "GC-OK", "10.00")
	s.createCertificate(t, "GC-BAD", "100.00")
	auth := s.authorize(t, "GC-BAD", "10.00")
	s.corruptWithDuplicateCapture(t, "GC-BAD", auth)

	audit := NewAuditScheduler(s.handler, 0)
	s.handler.Audit = audit

	// GIVEN: No run yet
	rec := s.do(t, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "audit_pending", decodeBody[ErrorResponse](t, rec).Code)

	// WHEN: An audit runs
	report := audit.RunNow(context.Background())

	// THEN: Only the corrupt ledger is reported
	assert.Equal(t, 2, report.Checked)
	require.Len(t, report.Corrupt, 1)
	assert.Equal(t, "GC-BAD", report.Corrupt[0].Code)
	assert.Contains(t, report.Corrupt[0].Error, "Capture")
	assert.Empty(t, report.Failures)

	rec = s.do(t, http.MethodGet, "/api/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	served := decodeBody[AuditReport](t, rec)
	assert.Equal(t, 2, served.Checked)
	require.Len(t, served.Corrupt, 1)

	metricsBody := s.do(t, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, metricsBody, `giftcert_ledger_operations_total{operation="audit",outcome="corrupt"} 1`)
	assert.Contains(t, metricsBody, `giftcert_ledger_operations_total{operation="audit",outcome="ok"} 1`)
}

func TestAudit_NotConfigured(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "audit_disabled", decodeBody[ErrorResponse](t, rec).Code)
}

func TestAuditScheduler_StartRunsImmediately(t *testing.T) {
	s := newTestServer(t)
	s.createCertificate(t, "GC-1", "100.00")

	audit := NewAuditScheduler(s.handler, time.Hour)
	audit.Start()
	defer audit.Stop()

	require.Eventually(t, func() bool {
		_, ok := audit.LastReport()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	report, _ := audit.LastReport()
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Corrupt)
}

func TestAuditScheduler_DisabledDoesNotStart(t *testing.T) {
	s := newTestServer(t)

	audit := NewAuditScheduler(s.handler, 0)
	audit.Start()
	audit.Stop()

	_, ok := audit.LastReport()
	assert.False(t, ok)
}
