package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/warp/giftcert-ledger/ledger"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeOK, Outcome(nil))
	assert.Equal(t, OutcomeRejected, Outcome(ledger.ErrAlreadyCaptured))
	assert.Equal(t, OutcomeRejected, Outcome(&ledger.InsufficientBalanceError{}))
	assert.Equal(t, OutcomeNotFound, Outcome(ledger.ErrAuthorizationNotFound))
	assert.Equal(t, OutcomeCorrupt, Outcome(&ledger.DuplicateTransactionError{}))
	assert.Equal(t, OutcomeError, Outcome(errors.New("disk full")))
}

func TestRecorder_CountsByOutcome(t *testing.T) {
	r := NewRecorder()
	start := time.Now()

	r.Observe("capture", start, nil)
	r.Observe("capture", start, ledger.ErrAlreadyCaptured)
	r.Observe("capture", start, ledger.ErrAlreadyCaptured)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("capture", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("capture", OutcomeRejected)))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `giftcert_ledger_operations_total{operation="capture",outcome="rejected"} 2`), body)
	assert.Contains(t, body, "giftcert_ledger_operation_duration_seconds_bucket")
}
