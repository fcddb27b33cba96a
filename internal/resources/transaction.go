package resources

import (
	"context"
	"fmt"
	"sync"
)

// TransactionFunc is the body of a named transaction.
type TransactionFunc func(ctx context.Context, input any) (any, error)

// Transactions runs registered transaction functions by name.
type Transactions struct {
	mu    sync.RWMutex
	funcs map[string]TransactionFunc
}

func NewTransactions() *Transactions {
	return &Transactions{funcs: make(map[string]TransactionFunc)}
}

// Register adds or replaces a transaction.
func (t *Transactions) Register(name string, fn TransactionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
}

func (t *Transactions) Invoke(ctx context.Context, name string, input any) (any, error) {
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transaction %q: %w", name, ErrTransactionNotFound)
	}
	return fn(ctx, input)
}
