package audit

import (
	"github.com/google/uuid"

	"github.com/tuic-go/tuicd/pkg/server"
)

// HookAdapter implements server.Hooks purely in terms of the audit
// Store, for deployments that want an event log but no restful admin
// surface. cmd/tuicd composes this with an admin.Store via
// server.MultiHooks when both are configured.
type HookAdapter struct {
	store *Store
}

// NewHookAdapter wraps store as a server.Hooks implementation.
func NewHookAdapter(store *Store) *HookAdapter {
	return &HookAdapter{store: store}
}

func (h *HookAdapter) ClientConnect(id uuid.UUID, handle server.ClientHandle) bool {
	h.store.Record(EventConnect, id, handle.RemoteAddr().String())
	return true
}

func (h *HookAdapter) ClientDisconnect(id uuid.UUID, handle server.ClientHandle) {
	h.store.Record(EventDisconnect, id, handle.RemoteAddr().String())
}

func (h *HookAdapter) TrafficTx(uuid.UUID, uint64) {}
func (h *HookAdapter) TrafficRx(uuid.UUID, uint64) {}

// RecordKick implements admin.KickRecorder, letting cmd/tuicd wire a
// kick audit trail without pkg/admin importing pkg/audit.
func (h *HookAdapter) RecordKick(id uuid.UUID, remoteAddr string) {
	h.store.Record(EventKick, id, remoteAddr)
}
