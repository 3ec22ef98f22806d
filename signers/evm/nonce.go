package evm

import (
	"context"
	"sync"
)

// NonceManager serializes "get next nonce, then submit" for one key.
// After a successful submit the next nonce is tracked locally; a failed
// submit drops it so the following call re-reads the pending nonce.
type NonceManager struct {
	mu    sync.Mutex
	next  uint64
	known bool
}

// Submit allocates a nonce and runs send with it while holding the lock.
func (m *NonceManager) Submit(
	ctx context.Context,
	fetch func(ctx context.Context) (uint64, error),
	send func(ctx context.Context, nonce uint64) error,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.known {
		n, err := fetch(ctx)
		if err != nil {
			return err
		}
		m.next, m.known = n, true
	}

	if err := send(ctx, m.next); err != nil {
		m.known = false
		return err
	}
	m.next++
	return nil
}

// Reset forgets the tracked nonce.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = false
}
