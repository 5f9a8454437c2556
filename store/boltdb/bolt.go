// Package boltdb provides a BoltDB-backed ledger.Backend.
//
// BoltDB is an embedded key/value store. All data lives in a single file, so
// a deployment needs no database process.
//
// Layout
// ------
//   certificates/<code>         JSON GiftCertificate
//   ledgers/<code>/<seq>        JSON transaction, seq is a big-endian uint64
//                               from the nested bucket's NextSequence, so a
//                               cursor walk returns history in write order
//   transaction_index/<id>      JSON {code, seq}, used by ReviseAuthorization
//
// Bolt admits a single writable transaction at a time. WithCertificate runs
// inside one db.Update call, which makes read-validate-append atomic and
// serialized; returning an error from fn rolls every write back.
package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/warp/giftcert-ledger/ledger"
)

var (
	certificatesBucket = []byte("certificates")
	ledgersBucket      = []byte("ledgers")
	indexBucket        = []byte("transaction_index")
)

// Store wraps a BoltDB database.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) a BoltDB database at path and ensures the top-level
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{certificatesBucket, ledgersBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// RECORDS
// =============================================================================

type certificateRecord struct {
	Code           string          `json:"code"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

type transactionRecord struct {
	ID                string          `json:"id"`
	CertificateCode   string          `json:"certificate_code"`
	Type              string          `json:"type"`
	AuthorizationCode string          `json:"authorization_code"`
	Amount            decimal.Decimal `json:"amount"`
	CreatedAt         time.Time       `json:"created_at"`
}

type indexEntry struct {
	Code string `json:"code"`
	Seq  uint64 `json:"seq"`
}

func toRecord(tx ledger.Transaction) transactionRecord {
	return transactionRecord{
		ID:                string(tx.ID),
		CertificateCode:   string(tx.CertificateCode),
		Type:              tx.Type.String(),
		AuthorizationCode: tx.AuthorizationCode,
		Amount:            tx.Amount,
		CreatedAt:         tx.CreatedAt,
	}
}

func (r transactionRecord) transaction() (ledger.Transaction, error) {
	typ, err := ledger.ParseTransactionType(r.Type)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", r.ID, err)
	}
	return ledger.Transaction{
		ID:                ledger.TransactionID(r.ID),
		CertificateCode:   ledger.CertificateCode(r.CertificateCode),
		Type:              typ,
		AuthorizationCode: r.AuthorizationCode,
		Amount:            r.Amount,
		CreatedAt:         r.CreatedAt,
	}, nil
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func (s *Store) SaveCertificate(_ context.Context, cert ledger.GiftCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(certificatesBucket)
		if b.Get([]byte(cert.Code)) != nil {
			return ledger.ErrCertificateExists
		}
		data, err := json.Marshal(certificateRecord{
			Code:           string(cert.Code),
			PurchaseAmount: cert.PurchaseAmount,
			CreatedAt:      cert.CreatedAt,
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(cert.Code), data)
	})
}

func (s *Store) Certificate(_ context.Context, code ledger.CertificateCode) (ledger.GiftCertificate, error) {
	var cert ledger.GiftCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(certificatesBucket).Get([]byte(code))
		if v == nil {
			return ledger.ErrCertificateNotFound
		}
		var err error
		cert, err = decodeCertificate(v)
		return err
	})
	return cert, err
}

// ListCertificates returns certificates in key (code) order.
func (s *Store) ListCertificates(_ context.Context) ([]ledger.GiftCertificate, error) {
	certs := []ledger.GiftCertificate{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(certificatesBucket).ForEach(func(_, v []byte) error {
			cert, err := decodeCertificate(v)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

func decodeCertificate(v []byte) (ledger.GiftCertificate, error) {
	var r certificateRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return ledger.GiftCertificate{}, err
	}
	return ledger.GiftCertificate{
		Code:           ledger.CertificateCode(r.Code),
		PurchaseAmount: r.PurchaseAmount,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) Transactions(_ context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	var txs []ledger.Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		txs, err = loadTransactions(btx, code)
		return err
	})
	return txs, err
}

func (s *Store) Append(_ context.Context, tx ledger.Transaction) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return appendTransaction(btx, tx)
	})
}

func (s *Store) ReviseAuthorization(_ context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return reviseAuthorization(btx, id, amount)
	})
}

func loadTransactions(btx *bolt.Tx, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	b := btx.Bucket(ledgersBucket).Bucket([]byte(code))
	if b == nil {
		return nil, nil
	}

	var txs []ledger.Transaction
	err := b.ForEach(func(_, v []byte) error {
		var r transactionRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		tx, err := r.transaction()
		if err != nil {
			return err
		}
		txs = append(txs, tx)
		return nil
	})
	return txs, err
}

func appendTransaction(btx *bolt.Tx, tx ledger.Transaction) error {
	index := btx.Bucket(indexBucket)
	if index.Get([]byte(tx.ID)) != nil {
		return fmt.Errorf("transaction %s already recorded", tx.ID)
	}

	b, err := btx.Bucket(ledgersBucket).CreateBucketIfNotExists([]byte(tx.CertificateCode))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}

	data, err := json.Marshal(toRecord(tx))
	if err != nil {
		return err
	}
	if err := b.Put(seqKey(seq), data); err != nil {
		return err
	}

	entry, err := json.Marshal(indexEntry{Code: string(tx.CertificateCode), Seq: seq})
	if err != nil {
		return err
	}
	return index.Put([]byte(tx.ID), entry)
}

func reviseAuthorization(btx *bolt.Tx, id ledger.TransactionID, amount decimal.Decimal) error {
	raw := btx.Bucket(indexBucket).Get([]byte(id))
	if raw == nil {
		return ledger.ErrTransactionNotFound
	}
	var entry indexEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return err
	}

	b := btx.Bucket(ledgersBucket).Bucket([]byte(entry.Code))
	if b == nil {
		return ledger.ErrTransactionNotFound
	}
	key := seqKey(entry.Seq)
	v := b.Get(key)
	if v == nil {
		return ledger.ErrTransactionNotFound
	}

	var r transactionRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return err
	}
	if r.Type != ledger.TxAuthorization.String() {
		return ledger.ErrTransactionNotFound
	}
	r.Amount = amount

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// =============================================================================
// PER-CERTIFICATE SCOPE (ledger.TxStore)
// =============================================================================

func (s *Store) WithCertificate(ctx context.Context, _ ledger.CertificateCode, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&txView{tx: btx})
	})
}

// txView exposes a writable bolt transaction as a ledger.Store.
type txView struct {
	tx *bolt.Tx
}

func (v *txView) Transactions(_ context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	return loadTransactions(v.tx, code)
}

func (v *txView) Append(_ context.Context, tx ledger.Transaction) error {
	return appendTransaction(v.tx, tx)
}

func (v *txView) ReviseAuthorization(_ context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	return reviseAuthorization(v.tx, id, amount)
}
