package mall

import (
	"context"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// Transaction spans the stores touched during one method call. Per-store
// transactions are opened lazily on first use; stores that cannot transact
// get a pass-through stub so callers need not care.
type Transaction struct {
	ctx  context.Context
	mall *Mall
	txs  map[string]storage.Tx
}

// NewTransaction starts an empty mall transaction.
func (m *Mall) NewTransaction(ctx context.Context) *Transaction {
	return &Transaction{ctx: ctx, mall: m, txs: make(map[string]storage.Tx)}
}

// ForStore returns the transaction of the given store, opening it on first
// call.
func (t *Transaction) ForStore(storeID string) (storage.Tx, error) {
	if tx, ok := t.txs[storeID]; ok {
		return tx, nil
	}
	s, err := t.mall.store(storeID)
	if err != nil {
		return nil, err
	}
	var tx storage.Tx
	if tr, ok := s.(Transactional); ok {
		tx, err = tr.BeginTx(t.ctx)
		if err != nil {
			return nil, err
		}
	} else {
		tx = passthroughTx{}
	}
	t.txs[storeID] = tx
	return tx, nil
}

// Commit commits every opened per-store transaction.
func (t *Transaction) Commit() error {
	var firstErr error
	for id, tx := range t.txs {
		if err := tx.Commit(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.txs, id)
	}
	return firstErr
}

// Rollback rolls back every opened per-store transaction.
func (t *Transaction) Rollback() error {
	var firstErr error
	for id, tx := range t.txs {
		if err := tx.Rollback(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.txs, id)
	}
	return firstErr
}

// Exec runs fn and commits on success, rolling back on error.
func (t *Transaction) Exec(fn func() error) error {
	if err := fn(); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// passthroughTx is the transaction stub for stores without transaction
// support.
type passthroughTx struct{}

func (passthroughTx) Commit() error   { return nil }
func (passthroughTx) Rollback() error { return nil }
