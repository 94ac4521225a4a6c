package server

import (
	"sync"

	"github.com/google/uuid"
)

// authGate is the one-shot "observable boolean with attached uuid"
// described in spec.md §4.2/§9. It transitions pending -> authenticated
// exactly once; wait() suspends until that transition, or returns
// immediately for callers that arrive after it already happened.
//
// Grounded on original_source/tuic-server/src/connection/authenticated.rs,
// which pairs an ArcSwap<Option<Uuid>> with a broadcast channel the
// writer closes (by dropping its sender) once set. Go has no ArcSwap;
// a mutex-guarded uuid slot plus a channel closed exactly once gives the
// same guarantee, since a closed channel never blocks future receives.
type authGate struct {
	mu    sync.RWMutex
	id    uuid.UUID
	isSet bool
	done  chan struct{}
}

func newAuthGate() *authGate {
	return &authGate{done: make(chan struct{})}
}

// markSet records id as the authenticated uuid and releases every current
// and future waiter. The caller (Connection.handleAuthenticate) is
// responsible for checking get() first and raising DuplicatedAuth itself;
// markSet() here is a single unconditional write, matching the Rust
// source where Authenticated::set is infallible and the duplicate check
// lives in the caller.
func (g *authGate) markSet(id uuid.UUID) {
	g.mu.Lock()
	g.id = id
	g.isSet = true
	g.mu.Unlock()
	close(g.done)
}

// get returns a non-blocking snapshot.
func (g *authGate) get() (uuid.UUID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id, g.isSet
}

// wait returns a channel that is closed once markSet() has run; receiving
// from it suspends the caller until then, or returns immediately if it
// already has.
func (g *authGate) wait() <-chan struct{} {
	return g.done
}
