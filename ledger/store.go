/*
store.go - Persistence contracts used by the engine

KEY INTERFACES:
  Store:            read a certificate's history, append, revise an auth
  TxStore:          Store plus a serialized per-certificate scope
  CertificateStore: registry of gift certificates
  Backend:          everything a deployment needs from one database

APPEND-ONLY CONTRACT:
  - Append(): the normal write path
  - ReviseAuthorization(): the single exception, changes the amount of an
    existing Authorization record and nothing else
  - NO Delete

CONCURRENCY:
  The engine does not lock. Two captures racing on the same authorization
  would both pass validation if they read the same history. Every TxStore
  implementation must therefore serialize WithCertificate calls for the
  same certificate code; the engine runs read-validate-append inside it.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, per-certificate mutex
  - store/sqlite/sqlite.go: SQLite, write lock + SQL transaction
  - store/boltdb/bolt.go:   BoltDB, single writable bolt transaction
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store handles persistence of a certificate's transactions.
type Store interface {
	// Transactions returns the full history for a certificate, in the
	// order the records were created.
	Transactions(ctx context.Context, code CertificateCode) ([]Transaction, error)

	// Append persists a new transaction.
	Append(ctx context.Context, tx Transaction) error

	// ReviseAuthorization sets the amount of an existing Authorization.
	// Returns ErrTransactionNotFound if id does not name an Authorization.
	ReviseAuthorization(ctx context.Context, id TransactionID, amount decimal.Decimal) error
}

// TxStore wraps Store with a per-certificate atomic scope.
type TxStore interface {
	Store

	// WithCertificate executes fn with exclusive access to the ledger of
	// code. If fn returns an error, every write made through the Store
	// passed to fn is discarded.
	WithCertificate(ctx context.Context, code CertificateCode, fn func(Store) error) error
}

// CertificateStore is the registry of gift certificates.
type CertificateStore interface {
	// SaveCertificate registers a new certificate. Returns
	// ErrCertificateExists if the code is taken.
	SaveCertificate(ctx context.Context, cert GiftCertificate) error

	// Certificate returns ErrCertificateNotFound for unknown codes.
	Certificate(ctx context.Context, code CertificateCode) (GiftCertificate, error)

	ListCertificates(ctx context.Context) ([]GiftCertificate, error)
}

// Backend is implemented by every concrete store in this repository.
type Backend interface {
	TxStore
	CertificateStore
	Close() error
}
