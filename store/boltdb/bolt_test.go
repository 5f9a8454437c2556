// boltdb/bolt v1.3.1 trips checkptr under the race detector, so these tests
// only build without -race.

//go:build !race

package boltdb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/giftcert-ledger/ledger"
	"github.com/warp/giftcert-ledger/ledger/ledgertest"
	"github.com/warp/giftcert-ledger/store/boltdb"
)

func newTestStore(t *testing.T) *boltdb.Store {
	t.Helper()
	s, err := boltdb.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBolt_BackendContract(t *testing.T) {
	ledgertest.RunBackendContract(t, func(t *testing.T) ledger.Backend {
		return newTestStore(t)
	})
}

func TestBolt_ReopenKeepsLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "giftcert.bolt")

	s, err := boltdb.New(path)
	require.NoError(t, err)
	cert := ledgertest.Certificate(t, s, "GC-1", "100.00")
	engine := ledger.NewEngine(s)
	auth, err := engine.PreAuthorize(ctx, cert, decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	_, err = engine.Capture(ctx, cert, auth.AuthorizationCode, decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = boltdb.New(path)
	require.NoError(t, err)
	defer s.Close()

	txs, err := s.Transactions(ctx, cert.Code)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxAuthorization, txs[0].Type)
	assert.Equal(t, ledger.TxCapture, txs[1].Type)

	balance, err := ledger.NewEngine(s).GetBalance(ctx, cert)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("80.00")))
}

func TestBolt_SecondOpenTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.bolt")
	s, err := boltdb.New(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = boltdb.New(path)
	assert.Error(t, err, "bolt holds an exclusive file lock")
}
