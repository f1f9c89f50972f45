package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

var ErrGuardDestroyed = errors.New("token guard destroyed")

// TokenGuard holds the subscriber token sealed in a memguard Enclave. The
// plaintext is only opened for the duration of a comparison.
type TokenGuard struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewTokenGuard seals token and wipes the source slice. An empty token
// yields a nil guard, which admits every client.
func NewTokenGuard(token []byte) *TokenGuard {
	if len(token) == 0 {
		return nil
	}
	return &TokenGuard{enclave: memguard.NewEnclave(token)}
}

// Allow reports whether presented matches the sealed token.
func (g *TokenGuard) Allow(presented string) (bool, error) {
	if g == nil {
		return true, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.enclave == nil {
		return false, ErrGuardDestroyed
	}

	buf, err := g.enclave.Open()
	if err != nil {
		return false, fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()

	return subtle.ConstantTimeCompare(buf.Bytes(), []byte(presented)) == 1, nil
}

// Destroy drops the enclave. Later calls to Allow fail closed.
func (g *TokenGuard) Destroy() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.enclave = nil
	g.mu.Unlock()
}
