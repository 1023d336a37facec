package stacks

import (
	"context"
	"sync"
)

// NonceSource returns the next nonce of an account as seen by the node.
type NonceSource interface {
	AccountNonce(ctx context.Context, address string) (uint64, error)
}

// NonceManager provides process-local, concurrency-safe nonce allocation for a
// single account.
//
// It must not decrease its notion of "next nonce" on Sync, to avoid nonce
// reuse when nonces have been reserved locally but not yet broadcast.
type NonceManager struct {
	source  NonceSource
	address string

	mu   sync.Mutex
	next uint64
	have bool
}

// NewNonceManager returns a nonce manager for the address.
func NewNonceManager(source NonceSource, address string) *NonceManager {
	return &NonceManager{source: source, address: address}
}

// Next returns the next nonce and increments the internal counter.
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.source.AccountNonce(ctx, m.address)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}
	n := m.next
	m.next++
	return n, nil
}

// Release gives back a nonce that was never broadcast. It only has effect if
// n is the last nonce returned by Next.
func (m *NonceManager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.have && m.next == n+1 {
		m.next = n
	}
}

// Sync refreshes the next nonce from the node, but never decreases it.
func (m *NonceManager) Sync(ctx context.Context) (uint64, error) {
	n, err := m.source.AccountNonce(ctx, m.address)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	return n, nil
}

// Reset forgets the local counter so the next call to Next queries the node.
func (m *NonceManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.have = false
}
