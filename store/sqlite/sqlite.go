/*
Package sqlite provides a SQLite-backed ledger.Backend.

KEY TABLES:
  gift_certificates:        certificate registry
  certificate_transactions: the ledger, one row per Transaction, ordered
                            by an autoincrement sequence

APPEND-ONLY ENFORCEMENT:
  - INSERT for every ledger write
  - the single UPDATE is ReviseAuthorization, restricted by WHERE to
    Authorization rows and to the amount column
  - no DELETE statements on certificate_transactions

INDEXES:
  idx_certificate_transactions_code:  history load (hot path)
  idx_unique_auth_variant:            at most one Authorization, Capture
                                      and Reversal per authorization code;
                                      a backstop behind the engine's own
                                      checks, mapped to
                                      ledger.ErrDuplicateTransaction

CONCURRENCY:
  The pool is limited to one connection, so ":memory:" databases are shared
  by every caller and SQLite's single writer is never contended inside the
  process. WithCertificate holds the store-wide write lock for the whole
  read-validate-append, which serializes operations per certificate (and
  across certificates, since SQLite has one writer anyway).

USAGE:
  store, err := sqlite.New("./data/giftcert.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/giftcert-ledger/ledger"
)

// Store implements ledger.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gift_certificates (
		code TEXT PRIMARY KEY,
		purchase_amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Ledger (append-only, except authorization amount revisions)
	CREATE TABLE IF NOT EXISTS certificate_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		certificate_code TEXT NOT NULL REFERENCES gift_certificates(code),
		tx_type TEXT NOT NULL,
		authorization_code TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_certificate_transactions_code
		ON certificate_transactions(certificate_code, seq);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_auth_variant
		ON certificate_transactions(certificate_code, authorization_code, tx_type)
		WHERE tx_type IN ('Authorization', 'Capture', 'Authorization Reversal');
	`

	_, err := s.db.Exec(schema)
	return err
}

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// =============================================================================
// CERTIFICATE STORE (ledger.CertificateStore interface)
// =============================================================================

func (s *Store) SaveCertificate(ctx context.Context, cert ledger.GiftCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_certificates (code, purchase_amount, created_at) VALUES (?, ?, ?)`,
		string(cert.Code), cert.PurchaseAmount.String(), formatTime(cert.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrCertificateExists
		}
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}

func (s *Store) Certificate(ctx context.Context, code ledger.CertificateCode) (ledger.GiftCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	certs, err := s.queryCertificates(ctx,
		`SELECT code, purchase_amount, created_at FROM gift_certificates WHERE code = ?`, string(code))
	if err != nil {
		return ledger.GiftCertificate{}, err
	}
	if len(certs) == 0 {
		return ledger.GiftCertificate{}, ledger.ErrCertificateNotFound
	}
	return certs[0], nil
}

func (s *Store) ListCertificates(ctx context.Context) ([]ledger.GiftCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryCertificates(ctx,
		`SELECT code, purchase_amount, created_at FROM gift_certificates ORDER BY code`)
}

func (s *Store) queryCertificates(ctx context.Context, query string, args ...any) ([]ledger.GiftCertificate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	defer rows.Close()

	certs := []ledger.GiftCertificate{}
	for rows.Next() {
		var (
			cert      ledger.GiftCertificate
			code      string
			amount    string
			createdAt string
		)
		if err := rows.Scan(&code, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		cert.Code = ledger.CertificateCode(code)
		if cert.PurchaseAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("certificate %s: bad purchase amount %q: %w", code, amount, err)
		}
		cert.CreatedAt = parseTime(createdAt)
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Transactions(ctx context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTransactions(ctx, s.db, code)
}

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func (s *Store) ReviseAuthorization(ctx context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reviseAuthorization(ctx, s.db, id, amount)
}

func loadTransactions(ctx context.Context, db execQuerier, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, certificate_code, tx_type, authorization_code, amount, created_at
		FROM certificate_transactions
		WHERE certificate_code = ?
		ORDER BY seq ASC
	`, string(code))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx        ledger.Transaction
		id        string
		code      string
		txType    string
		amount    string
		createdAt string
	)

	if err := rows.Scan(&id, &code, &txType, &tx.AuthorizationCode, &amount, &createdAt); err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	typ, err := ledger.ParseTransactionType(txType)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: %w", id, err)
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: bad amount %q: %w", id, amount, err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.CertificateCode = ledger.CertificateCode(code)
	tx.Type = typ
	tx.Amount = value
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

func appendTransaction(ctx context.Context, db execQuerier, tx ledger.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO certificate_transactions
		(id, certificate_code, tx_type, authorization_code, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(tx.ID),
		string(tx.CertificateCode),
		tx.Type.String(),
		tx.AuthorizationCode,
		tx.Amount.String(),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "tx_type") {
			return &ledger.DuplicateTransactionError{
				AuthorizationCode: tx.AuthorizationCode,
				Type:              tx.Type,
				Count:             2,
			}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func reviseAuthorization(ctx context.Context, db execQuerier, id ledger.TransactionID, amount decimal.Decimal) error {
	res, err := db.ExecContext(ctx, `
		UPDATE certificate_transactions SET amount = ?
		WHERE id = ? AND tx_type = ?
	`, amount.String(), string(id), ledger.TxAuthorization.String())
	if err != nil {
		return fmt.Errorf("failed to revise authorization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revise authorization: %w", err)
	}
	if n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// =============================================================================
// PER-CERTIFICATE SCOPE (ledger.TxStore interface)
// =============================================================================

// WithCertificate executes fn within a database transaction while holding
// the store's write lock.
func (s *Store) WithCertificate(ctx context.Context, code ledger.CertificateCode, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Transactions(ctx context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	return loadTransactions(ctx, ts.tx, code)
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) ReviseAuthorization(ctx context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	return reviseAuthorization(ctx, ts.tx, id, amount)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
