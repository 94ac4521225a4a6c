package admin

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingHandle struct {
	tag       string
	addr      net.Addr
	closed    bool
	closeCode uint64
}

func (h *trackingHandle) Tag() string          { return h.tag }
func (h *trackingHandle) RemoteAddr() net.Addr { return h.addr }
func (h *trackingHandle) Close(code uint64, reason string) {
	h.closed = true
	h.closeCode = code
}

func newHandle(tag string) *trackingHandle {
	return &trackingHandle{tag: tag, addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}}
}

func TestClientConnectEnforcesLimit(t *testing.T) {
	store := NewStore(1)
	id := uuid.New()

	assert.True(t, store.ClientConnect(id, newHandle("a")))
	assert.False(t, store.ClientConnect(id, newHandle("b")))
}

func TestClientConnectUnlimitedWhenZero(t *testing.T) {
	store := NewStore(0)
	id := uuid.New()
	for i := 0; i < 10; i++ {
		assert.True(t, store.ClientConnect(id, newHandle(string(rune('a'+i)))))
	}
	assert.Equal(t, 10, store.Online()[id])
}

func TestClientDisconnectRemovesEntry(t *testing.T) {
	store := NewStore(0)
	id := uuid.New()
	h := newHandle("a")
	require.True(t, store.ClientConnect(id, h))
	store.ClientDisconnect(id, h)
	assert.Empty(t, store.Online())
}

func TestTrafficAccumulatesAndResets(t *testing.T) {
	store := NewStore(0)
	id := uuid.New()
	store.TrafficTx(id, 100)
	store.TrafficRx(id, 50)

	traffic := store.Traffic()
	assert.Equal(t, [2]uint64{100, 50}, traffic[id])

	reset := store.ResetTraffic()
	assert.Equal(t, [2]uint64{100, 50}, reset[id])
	assert.Empty(t, store.Traffic())
}

func TestKickClosesLiveConnections(t *testing.T) {
	store := NewStore(0)
	id := uuid.New()
	h := newHandle("a")
	require.True(t, store.ClientConnect(id, h))

	store.Kick([]uuid.UUID{id})
	assert.True(t, h.closed)
	assert.EqualValues(t, 0x1772, h.closeCode)
}
