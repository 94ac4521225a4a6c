package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayTCPEchoesBothDirections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn) // echo
	}()

	tcpConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	streamLocal, streamRemote := net.Pipe()

	done := make(chan struct{})
	var tx, rx int64
	go func() {
		tx, rx, _ = relayTCP(streamLocal, tcpConn)
		close(done)
	}()

	_, err = streamRemote.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	streamRemote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(streamRemote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	streamRemote.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relayTCP did not terminate after stream closed")
	}

	assert.GreaterOrEqual(t, tx, int64(5))
	assert.GreaterOrEqual(t, rx, int64(5))
}
