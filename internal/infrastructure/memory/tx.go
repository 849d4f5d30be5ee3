package memory

import (
	"context"
	"sync"
)

// Transactor serializes transactional blocks. It gives the isolation the Postgres
// row locks give, without rollback.
type Transactor struct {
	mu sync.Mutex
}

func NewTransactor() *Transactor {
	return &Transactor{}
}

func (t *Transactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}
