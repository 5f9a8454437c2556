// Package store provides an in-memory ledger.Backend.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/giftcert-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	certificates map[ledger.CertificateCode]ledger.GiftCertificate
	transactions map[ledger.CertificateCode][]ledger.Transaction
	owners       map[ledger.TransactionID]ledger.CertificateCode

	locksMu sync.Mutex
	locks   map[ledger.CertificateCode]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		certificates: make(map[ledger.CertificateCode]ledger.GiftCertificate),
		transactions: make(map[ledger.CertificateCode][]ledger.Transaction),
		owners:       make(map[ledger.TransactionID]ledger.CertificateCode),
		locks:        make(map[ledger.CertificateCode]*sync.Mutex),
	}
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// CERTIFICATES
// =============================================================================

func (m *Memory) SaveCertificate(_ context.Context, cert ledger.GiftCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.certificates[cert.Code]; exists {
		return ledger.ErrCertificateExists
	}
	m.certificates[cert.Code] = cert
	return nil
}

func (m *Memory) Certificate(_ context.Context, code ledger.CertificateCode) (ledger.GiftCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cert, ok := m.certificates[code]
	if !ok {
		return ledger.GiftCertificate{}, ledger.ErrCertificateNotFound
	}
	return cert, nil
}

func (m *Memory) ListCertificates(_ context.Context) ([]ledger.GiftCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.GiftCertificate, 0, len(m.certificates))
	for _, c := range m.certificates {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) Transactions(_ context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Transaction, len(m.transactions[code]))
	copy(result, m.transactions[code])
	return result, nil
}

// Append adds a single transaction.
func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) ReviseAuthorization(_ context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reviseLocked(id, amount)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if _, dup := m.owners[tx.ID]; dup {
		return fmt.Errorf("transaction %s already recorded", tx.ID)
	}
	m.transactions[tx.CertificateCode] = append(m.transactions[tx.CertificateCode], tx)
	m.owners[tx.ID] = tx.CertificateCode
	return nil
}

func (m *Memory) reviseLocked(id ledger.TransactionID, amount decimal.Decimal) error {
	code, ok := m.owners[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	txs := m.transactions[code]
	for i := range txs {
		if txs[i].ID == id && txs[i].Type == ledger.TxAuthorization {
			txs[i].Amount = amount
			return nil
		}
	}
	return ledger.ErrTransactionNotFound
}

// =============================================================================
// PER-CERTIFICATE SCOPE (ledger.TxStore)
// =============================================================================

// WithCertificate runs fn holding the certificate's lock. Writes made
// through the view are staged and applied only if fn succeeds.
func (m *Memory) WithCertificate(ctx context.Context, code ledger.CertificateCode, fn func(ledger.Store) error) error {
	lock := m.lockFor(code)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	view := &certificateView{parent: m, code: code, revisions: make(map[ledger.TransactionID]decimal.Decimal)}
	if err := fn(view); err != nil {
		return err
	}
	return view.commit()
}

func (m *Memory) lockFor(code ledger.CertificateCode) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[code]
	if !ok {
		l = &sync.Mutex{}
		m.locks[code] = l
	}
	return l
}

type certificateView struct {
	parent    *Memory
	code      ledger.CertificateCode
	staged    []ledger.Transaction
	revisions map[ledger.TransactionID]decimal.Decimal
}

func (v *certificateView) Transactions(ctx context.Context, code ledger.CertificateCode) ([]ledger.Transaction, error) {
	txs, err := v.parent.Transactions(ctx, code)
	if err != nil || code != v.code {
		return txs, err
	}
	txs = append(txs, v.staged...)
	for i := range txs {
		if amount, ok := v.revisions[txs[i].ID]; ok {
			txs[i].Amount = amount
		}
	}
	return txs, nil
}

func (v *certificateView) Append(_ context.Context, tx ledger.Transaction) error {
	if tx.CertificateCode != v.code {
		return fmt.Errorf("transaction for %s appended in scope of %s", tx.CertificateCode, v.code)
	}
	v.staged = append(v.staged, tx)
	return nil
}

func (v *certificateView) ReviseAuthorization(ctx context.Context, id ledger.TransactionID, amount decimal.Decimal) error {
	txs, err := v.Transactions(ctx, v.code)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.ID == id && tx.Type == ledger.TxAuthorization {
			v.revisions[id] = amount
			return nil
		}
	}
	return ledger.ErrTransactionNotFound
}

// commit checks every staged write before applying any, so a failing scope
// never leaves a prefix behind.
func (v *certificateView) commit() error {
	m := v.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[ledger.TransactionID]ledger.Transaction, len(v.staged))
	for _, tx := range v.staged {
		if _, dup := m.owners[tx.ID]; dup {
			return fmt.Errorf("transaction %s already recorded", tx.ID)
		}
		if _, dup := staged[tx.ID]; dup {
			return fmt.Errorf("transaction %s staged twice", tx.ID)
		}
		staged[tx.ID] = tx
	}
	for id := range v.revisions {
		if tx, ok := staged[id]; ok {
			if tx.Type != ledger.TxAuthorization {
				return ledger.ErrTransactionNotFound
			}
			continue
		}
		if !m.isAuthorizationLocked(id) {
			return ledger.ErrTransactionNotFound
		}
	}

	for _, tx := range v.staged {
		if err := m.appendLocked(tx); err != nil {
			return err
		}
	}
	for id, amount := range v.revisions {
		if err := m.reviseLocked(id, amount); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) isAuthorizationLocked(id ledger.TransactionID) bool {
	code, ok := m.owners[id]
	if !ok {
		return false
	}
	for _, tx := range m.transactions[code] {
		if tx.ID == id {
			return tx.Type == ledger.TxAuthorization
		}
	}
	return false
}
