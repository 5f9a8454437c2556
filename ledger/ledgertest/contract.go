// Package ledgertest holds the behaviour every ledger.Backend must share.
// Store packages run it from their own tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/giftcert-ledger/ledger"
)

// RunBackendContract exercises newBackend against the ledger.Backend
// contract. newBackend must return an empty backend; it is called once per
// subtest.
func RunBackendContract(t *testing.T, newBackend func(t *testing.T) ledger.Backend) {
	t.Run("certificates", func(t *testing.T) { testCertificates(t, newBackend(t)) })
	t.Run("append and load in order", func(t *testing.T) { testAppendOrder(t, newBackend(t)) })
	t.Run("revise authorization only", func(t *testing.T) { testRevise(t, newBackend(t)) })
	t.Run("scope rolls back on error", func(t *testing.T) { testRollback(t, newBackend(t)) })
	t.Run("engine end to end", func(t *testing.T) { testEngine(t, newBackend(t)) })
	t.Run("scopes are serialized", func(t *testing.T) { testSerialized(t, newBackend(t)) })
}

// Certificate saves a certificate with the given purchase amount.
func Certificate(t *testing.T, b ledger.CertificateStore, code string, purchase string) ledger.GiftCertificate {
	t.Helper()
	cert := ledger.GiftCertificate{
		Code:           ledger.CertificateCode(code),
		PurchaseAmount: decimal.RequireFromString(purchase),
		CreatedAt:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.SaveCertificate(context.Background(), cert))
	return cert
}

func record(id string, cert ledger.CertificateCode, typ ledger.TransactionType, code string, amount string) ledger.Transaction {
	return ledger.Transaction{
		ID:                ledger.TransactionID(id),
		CertificateCode:   cert,
		Type:              typ,
		AuthorizationCode: code,
		Amount:            decimal.RequireFromString(amount),
		CreatedAt:         time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
}

func testCertificates(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	Certificate(t, b, "GC-B", "25.00")
	Certificate(t, b, "GC-A", "100.00")

	err := b.SaveCertificate(ctx, ledger.GiftCertificate{Code: "GC-A", PurchaseAmount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ledger.ErrCertificateExists)

	got, err := b.Certificate(ctx, "GC-A")
	require.NoError(t, err)
	assert.True(t, got.PurchaseAmount.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, got.CreatedAt.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))

	_, err = b.Certificate(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrCertificateNotFound)

	all, err := b.ListCertificates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.CertificateCode("GC-A"), all[0].Code)
	assert.Equal(t, ledger.CertificateCode("GC-B"), all[1].Code)
}

func testAppendOrder(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	cert := Certificate(t, b, "GC-1", "100.00")
	other := Certificate(t, b, "GC-2", "100.00")

	want := []ledger.Transaction{
		record("t1", cert.Code, ledger.TxAuthorization, "A1", "30.00"),
		record("t2", cert.Code, ledger.TxCapture, "A1", "30.00"),
		record("t3", cert.Code, ledger.TxRefund, "A1", "10.00"),
	}
	for _, tx := range want {
		require.NoError(t, b.Append(ctx, tx))
	}
	require.NoError(t, b.Append(ctx, record("t4", other.Code, ledger.TxAuthorization, "B1", "5.00")))

	got, err := b.Transactions(ctx, cert.Code)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].AuthorizationCode, got[i].AuthorizationCode)
		assert.True(t, want[i].Amount.Equal(got[i].Amount))
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}

	empty, err := b.Transactions(ctx, "GC-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRevise(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	cert := Certificate(t, b, "GC-1", "100.00")
	require.NoError(t, b.Append(ctx, record("auth", cert.Code, ledger.TxAuthorization, "A1", "30.00")))
	require.NoError(t, b.Append(ctx, record("cap", cert.Code, ledger.TxCapture, "A1", "30.00")))

	require.NoError(t, b.ReviseAuthorization(ctx, "auth", decimal.RequireFromString("12.00")))
	assert.ErrorIs(t, b.ReviseAuthorization(ctx, "cap", decimal.RequireFromString("1.00")), ledger.ErrTransactionNotFound)
	assert.ErrorIs(t, b.ReviseAuthorization(ctx, "nope", decimal.RequireFromString("1.00")), ledger.ErrTransactionNotFound)

	txs, err := b.Transactions(ctx, cert.Code)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("12.00")))
	assert.True(t, txs[1].Amount.Equal(decimal.RequireFromString("30.00")))
}

func testRollback(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	cert := Certificate(t, b, "GC-1", "100.00")
	require.NoError(t, b.Append(ctx, record("auth", cert.Code, ledger.TxAuthorization, "A1", "30.00")))

	boom := errors.New("boom")
	err := b.WithCertificate(ctx, cert.Code, func(s ledger.Store) error {
		require.NoError(t, s.Append(ctx, record("cap", cert.Code, ledger.TxCapture, "A1", "30.00")))
		require.NoError(t, s.ReviseAuthorization(ctx, "auth", decimal.RequireFromString("99.00")))

		inside, err := s.Transactions(ctx, cert.Code)
		require.NoError(t, err)
		assert.Len(t, inside, 2, "writes are visible inside the scope")
		return boom
	})
	require.ErrorIs(t, err, boom)

	txs, err := b.Transactions(ctx, cert.Code)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("30.00")))
}

func testEngine(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	cert := Certificate(t, b, "GC-1", "100.00")
	engine := ledger.NewEngine(b)

	auth, err := engine.PreAuthorize(ctx, cert, decimal.RequireFromString("30.00"))
	require.NoError(t, err)
	_, err = engine.ModifyPreAuthorization(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("40.00"))
	require.NoError(t, err)
	_, err = engine.Capture(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("35.00"))
	require.NoError(t, err)
	_, err = engine.Refund(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("5.00"))
	require.NoError(t, err)

	balance, err := engine.GetBalance(ctx, cert)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("70.00")), "got %s", balance)

	resp, err := engine.ReversePreAuthorization(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("40.00"))
	assert.ErrorIs(t, err, ledger.ErrRefundExceedsCaptured)
	assert.Nil(t, resp)
}

func testSerialized(t *testing.T, b ledger.Backend) {
	ctx := context.Background()
	cert := Certificate(t, b, "GC-1", "100.00")
	engine := ledger.NewEngine(b)

	auth, err := engine.PreAuthorize(ctx, cert, decimal.RequireFromString("50.00"))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Capture(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("50.00")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
