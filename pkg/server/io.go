package server

import (
	"io"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// relayBufferSize matches original_source/tuic-server/src/io.rs's
// BUFFER_SIZE constant (8 KiB per direction).
const relayBufferSize = 8 * 1024

// quicStream is the subset of quic.Stream the relay needs; kept narrow so
// tests can exercise it with a plain io.ReadWriteCloser pipe.
type quicStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// resettableStream is implemented by a real quic.Stream but not by the
// plain pipes io_test.go exercises relayTCP with; closeStream type-asserts
// against it so tests keep using stream.Close() while production traffic
// gets the spec.md §4.5 half-close with error code 6000.
type resettableStream interface {
	CancelWrite(quic.StreamErrorCode)
	CancelRead(quic.StreamErrorCode)
}

// closeStream tears down stream with the protocol error code when it is a
// real QUIC stream, falling back to a plain Close() otherwise.
func closeStream(stream quicStream) {
	if rs, ok := stream.(resettableStream); ok {
		rs.CancelWrite(quic.StreamErrorCode(ErrCodeProtocol))
		rs.CancelRead(quic.StreamErrorCode(ErrCodeProtocol))
		return
	}
	stream.Close()
}

// relayTCP exchanges bytes between a QUIC bidirectional stream and a TCP
// connection until either direction hits EOF or an error, then tears
// down both ends. Grounded on original_source/tuic-server/src/io.rs's
// exchange_tcp: that function selects over both directions in a single
// loop and returns as soon as either side signals EOF; here each
// direction runs in its own goroutine (quic-go streams and net.Conn both
// implement io.Reader/io.Writer so each can run a plain copy loop) and
// whichever finishes first closes both ends so the other goroutine's
// blocked read unblocks with an error, joined via errgroup in place of
// Rust's single select.
func relayTCP(stream quicStream, tcp net.Conn) (tx, rx int64, err error) {
	var once sync.Once
	teardown := func() {
		closeStream(stream)
		tcp.Close()
	}

	var g errgroup.Group
	var txN, rxN int64

	g.Go(func() error {
		n, copyErr := io.CopyBuffer(tcp, stream, make([]byte, relayBufferSize))
		txN = n
		once.Do(teardown)
		if isTrivial(copyErr) {
			return nil
		}
		return copyErr
	})

	g.Go(func() error {
		n, copyErr := io.CopyBuffer(stream, tcp, make([]byte, relayBufferSize))
		rxN = n
		once.Do(teardown)
		if isTrivial(copyErr) {
			return nil
		}
		return copyErr
	})

	err = g.Wait()
	return txN, rxN, err
}
