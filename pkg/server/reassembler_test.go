package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuic-go/tuicd/pkg/tuic"
)

func TestReassemblerInOrder(t *testing.T) {
	r := newReassembler()
	addr := tuic.Address{Type: tuic.AddrIPv4, Port: 9}

	got, err := r.insert(1, &tuic.PacketCommand{PktID: 1, FragTotal: 2, FragID: 0, Addr: addr, Data: []byte("hel")})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.insert(1, &tuic.PacketCommand{PktID: 1, FragTotal: 2, FragID: 1, Data: []byte("lo")})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hello"), got.Data)
	assert.Equal(t, uint16(1), got.AssocID)
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := newReassembler()
	_, err := r.insert(1, &tuic.PacketCommand{PktID: 2, FragTotal: 2, FragID: 1, Data: []byte("lo")})
	require.NoError(t, err)
	got, err := r.insert(1, &tuic.PacketCommand{PktID: 2, FragTotal: 2, FragID: 0, Data: []byte("hel")})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hello"), got.Data)
}

func TestReassemblerFragOutOfRangeDropped(t *testing.T) {
	r := newReassembler()
	got, err := r.insert(1, &tuic.PacketCommand{PktID: 3, FragTotal: 2, FragID: 5, Data: []byte("x")})
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrFragOutOfRange)
}

func TestReassemblerDisagreeingTotalIsMalformed(t *testing.T) {
	r := newReassembler()
	_, err := r.insert(1, &tuic.PacketCommand{PktID: 4, FragTotal: 2, FragID: 0, Data: []byte("a")})
	require.NoError(t, err)
	_, err = r.insert(1, &tuic.PacketCommand{PktID: 4, FragTotal: 3, FragID: 1, Data: []byte("b")})
	assert.ErrorIs(t, err, tuic.ErrMalformed)
}

func TestReassemblerGCEvictsStale(t *testing.T) {
	r := newReassembler()
	_, err := r.insert(1, &tuic.PacketCommand{PktID: 5, FragTotal: 2, FragID: 0, Data: []byte("a")})
	require.NoError(t, err)

	r.gc(0) // lifetime 0 => everything older than "now" is evicted
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	n := len(r.buffers)
	r.mu.Unlock()
	assert.Equal(t, 0, n)
}
