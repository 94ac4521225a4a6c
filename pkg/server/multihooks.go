package server

import "github.com/google/uuid"

// MultiHooks fans a single Hooks call out to every wrapped
// implementation, so cmd/tuicd can enable the admin surface and the
// audit log independently of one another. ClientConnect's limit-check
// return value is ANDed across all wrapped hooks: any one of them
// rejecting the client rejects it overall.
type MultiHooks []Hooks

func (m MultiHooks) ClientConnect(id uuid.UUID, handle ClientHandle) bool {
	ok := true
	for _, h := range m {
		if !h.ClientConnect(id, handle) {
			ok = false
		}
	}
	return ok
}

func (m MultiHooks) ClientDisconnect(id uuid.UUID, handle ClientHandle) {
	for _, h := range m {
		h.ClientDisconnect(id, handle)
	}
}

func (m MultiHooks) TrafficTx(id uuid.UUID, n uint64) {
	for _, h := range m {
		h.TrafficTx(id, n)
	}
}

func (m MultiHooks) TrafficRx(id uuid.UUID, n uint64) {
	for _, h := range m {
		h.TrafficRx(id, n)
	}
}
