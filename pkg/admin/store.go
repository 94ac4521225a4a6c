// Package admin implements the optional RESTful admin surface: online
// client listing, traffic counters, and remote kick. It wires into
// pkg/server purely through the server.Hooks/server.ClientHandle
// interfaces, so it never imports quic-go types directly. Grounded on
// original_source/tuic-server/src/restful.rs.
package admin

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tuic-go/tuicd/pkg/server"
)

type trafficCounter struct {
	tx atomic.Uint64
	rx atomic.Uint64
}

// KickRecorder receives one notification per connection Kick closes, so
// an audit trail can be kept without this package depending on
// pkg/audit. pkg/audit.HookAdapter implements it.
type KickRecorder interface {
	RecordKick(id uuid.UUID, remoteAddr string)
}

// Store tracks per-user online client sets and traffic counters. It
// implements server.Hooks. Grounded on restful.rs's ONLINE_COUNTER /
// ONLINE_CLIENTS / TRAFFIC_STATS static tables, generalized from
// process-global statics to an instance owned by cmd/tuicd.
type Store struct {
	maxClientsPerUser uint64

	mu      sync.Mutex
	clients map[uuid.UUID]map[string]server.ClientHandle

	trafficMu sync.Mutex
	traffic   map[uuid.UUID]*trafficCounter

	recorder KickRecorder
}

// NewStore builds an empty Store. maxClientsPerUser == 0 means no limit,
// matching restful.rs's maximum_clients_per_user semantics.
func NewStore(maxClientsPerUser uint64) *Store {
	return &Store{
		maxClientsPerUser: maxClientsPerUser,
		clients:           make(map[uuid.UUID]map[string]server.ClientHandle),
		traffic:           make(map[uuid.UUID]*trafficCounter),
	}
}

// ClientConnect implements server.Hooks. It returns false once the
// user's client count exceeds maxClientsPerUser, telling the Connection
// Controller to close with ErrCodeLimitExceed.
func (s *Store) ClientConnect(id uuid.UUID, handle server.ClientHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.clients[id]
	if !ok {
		set = make(map[string]server.ClientHandle)
		s.clients[id] = set
	}
	if s.maxClientsPerUser != 0 && uint64(len(set)) >= s.maxClientsPerUser {
		return false
	}
	set[handle.Tag()] = handle
	return true
}

// ClientDisconnect implements server.Hooks.
func (s *Store) ClientDisconnect(id uuid.UUID, handle server.ClientHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.clients[id]; ok {
		delete(set, handle.Tag())
		if len(set) == 0 {
			delete(s.clients, id)
		}
	}
}

// TrafficTx implements server.Hooks.
func (s *Store) TrafficTx(id uuid.UUID, n uint64) {
	s.counter(id).tx.Add(n)
}

// TrafficRx implements server.Hooks.
func (s *Store) TrafficRx(id uuid.UUID, n uint64) {
	s.counter(id).rx.Add(n)
}

func (s *Store) counter(id uuid.UUID) *trafficCounter {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	c, ok := s.traffic[id]
	if !ok {
		c = &trafficCounter{}
		s.traffic[id] = c
	}
	return c
}

// Online returns the live client count per user, omitting zero entries.
func (s *Store) Online() map[uuid.UUID]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[uuid.UUID]int)
	for id, set := range s.clients {
		if len(set) > 0 {
			result[id] = len(set)
		}
	}
	return result
}

// DetailedOnline returns the remote address of every live client per user.
func (s *Store) DetailedOnline() map[uuid.UUID][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[uuid.UUID][]string)
	for id, set := range s.clients {
		if len(set) == 0 {
			continue
		}
		addrs := make([]string, 0, len(set))
		for _, h := range set {
			addrs = append(addrs, h.RemoteAddr().String())
		}
		result[id] = addrs
	}
	return result
}

// Traffic returns the current tx/rx counters per user, omitting
// zero/zero entries.
func (s *Store) Traffic() map[uuid.UUID][2]uint64 {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	result := make(map[uuid.UUID][2]uint64)
	for id, c := range s.traffic {
		tx, rx := c.tx.Load(), c.rx.Load()
		if tx != 0 || rx != 0 {
			result[id] = [2]uint64{tx, rx}
		}
	}
	return result
}

// ResetTraffic atomically swaps every counter to zero and returns the
// values observed just before the reset.
func (s *Store) ResetTraffic() map[uuid.UUID][2]uint64 {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	result := make(map[uuid.UUID][2]uint64)
	for id, c := range s.traffic {
		tx, rx := c.tx.Swap(0), c.rx.Swap(0)
		if tx != 0 || rx != 0 {
			result[id] = [2]uint64{tx, rx}
		}
	}
	return result
}

// SetKickRecorder attaches an optional audit sink invoked once per
// connection Kick closes. Must be called before Kick runs concurrently
// with it; cmd/tuicd does so once at startup.
func (s *Store) SetKickRecorder(r KickRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Kick closes every live connection for the given users with
// ErrCodeKicked, per restful.rs's kick handler.
func (s *Store) Kick(ids []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for _, h := range s.clients[id] {
			h.Close(server.ErrCodeKicked, "client got kicked")
			if s.recorder != nil {
				s.recorder.RecordKick(id, h.RemoteAddr().String())
			}
		}
	}
}
