// Package lockservice implements the Token-keyed read/write locking
// contract from §4.6: while a token's reference count is above zero, every
// caller receives the same lock instance; the entry is evicted once the
// last holder releases. Two backends are provided: an in-process map
// (Standalone) and a Redis-coordinated one (Clustered), selected the same
// way the engine's DatabaseType selects cache coordination.
package lockservice

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Token is a stable 128-bit hash of any tuple of identifying objects, e.g.
// {key, record}.
type Token [16]byte

// NewToken hashes an arbitrary list of identifying strings into a Token. The
// caller is responsible for rendering its identifying objects to a stable
// string form (e.g. fmt.Sprintf("%d|%s", record, key)).
func NewToken(parts ...string) Token {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	var t Token
	copy(t[:], sum[:16])
	return t
}

func (t Token) String() string { return fmt.Sprintf("%x", [16]byte(t)) }

// Hash returns a 64-bit value used to order locks ascending for deadlock-free
// multi-token acquisition during two-phase commit (§4.7, §5).
func (t Token) Hash() uint64 {
	return binary.BigEndian.Uint64(t[:8])
}

// Lock is the handle returned by Get. Its identity is stable for as long as
// it has at least one holder (LOCK-IDENTITY, §8).
type Lock interface {
	// RLock acquires a shared (read) hold. Reentrant per goroutine-tagged owner.
	RLock(ctx context.Context, owner string) error
	// Lock acquires an exclusive (write) hold.
	Lock(ctx context.Context, owner string) error
	// RUnlock releases a shared hold acquired by owner.
	RUnlock(owner string)
	// Unlock releases an exclusive hold acquired by owner.
	Unlock(owner string)
}

// Service issues and evicts locks by Token.
type Service interface {
	// Get returns the lock instance for token, creating and registering one
	// on first reference. Callers MUST lock immediately after Get to avoid a
	// window where the entry could be evicted by a racing full release.
	Get(token Token) Lock
	// Release drops the service's reference to token if it has no holders.
	// Implementations call this automatically from Unlock/RUnlock's zero-
	// holder path; exposed for tests.
	Release(token Token)
}
