package server

import (
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tuic-go/tuicd/pkg/logger"
)

// udpSession is one per (Connection, association-id). Grounded on
// original_source/tuic-server/src/connection/udp_session.rs.
//
// Ownership: the pump goroutines spawned by newUDPSession are the only
// strong holders of this value; the Connection's session map holds the
// same pointer only until the session removes itself (idle timeout) or
// the Connection explicitly deletes the map entry (Dissociate) and calls
// close(). Go has no first-class weak reference, so "weak back
// reference" from the Rust source is emulated by that map-entry
// lifetime discipline rather than by a distinct pointer type.
type udpSession struct {
	assocID uint16
	conn    *Connection

	sockV4 *net.UDPConn
	sockV6 *net.UDPConn // nil when IPv6 relay is disabled

	closeOnce sync.Once
	closeCh   chan struct{}

	lastActivity atomic.Int64 // unix nanos
	streamTimeout time.Duration
	maxPacketSize int
}

func newUDPSession(conn *Connection, assocID uint16) (*udpSession, error) {
	v4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}

	var v6 *net.UDPConn
	if conn.cfg.UDPRelayIPv6 {
		v6, err = listenUDPv6Only()
		if err != nil {
			v4.Close()
			return nil, err
		}
	}

	s := &udpSession{
		assocID:       assocID,
		conn:          conn,
		sockV4:        v4,
		sockV6:        v6,
		closeCh:       make(chan struct{}),
		streamTimeout: conn.cfg.StreamTimeout.Duration,
		maxPacketSize: conn.cfg.MaxExternalPacketSize,
	}
	s.touch()

	go s.readLoop(v4)
	if v6 != nil {
		go s.readLoop(v6)
	}
	go s.idleWatch()

	return s, nil
}

// listenUDPv6Only binds an IPv6-only UDP socket to [::]:0, per spec.md
// §4.4 ("additionally create an IPv6-only socket"). Go's net package has
// no direct knob for IPV6_V6ONLY the way Rust's socket2 crate does, so
// this sets it via the raw connection's Control callback.
func listenUDPv6Only() (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(nil, "udp6", "[::]:0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func (s *udpSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// readLoop is the ingress pump for one socket. It uses the teacher's
// short-deadline polling pattern (pkg/protocols/tuicproxy.go's
// handlePackets/relayUDPBack) so the goroutine can observe closeCh
// without blocking forever in ReadFromUDP.
func (s *udpSession) readLoop(sock *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		if err := sock.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.closeCh:
				return
			default:
				logger.Warn("udp session read error", "assoc_id", s.assocID, "err", err)
				continue
			}
		}

		s.touch()
		size := n
		if size > s.maxPacketSize {
			size = s.maxPacketSize
		}
		payload := append([]byte(nil), buf[:size]...)
		s.conn.relayPacketBack(s.assocID, from, payload)
	}
}

// idleWatch closes the session once streamTimeout elapses without a
// received datagram.
func (s *udpSession) idleWatch() {
	interval := s.streamTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) >= s.streamTimeout {
				logger.Warn("udp session idle timeout", "assoc_id", s.assocID)
				s.conn.removeUDPSession(s.assocID)
				s.close()
				return
			}
		}
	}
}

// send picks the outbound socket by destination address family. Returns
// IPv6RelayDisabledError if v6 is requested but disabled, per spec.md
// §4.4's send-path contract.
func (s *udpSession) send(addr *net.UDPAddr, payload []byte) error {
	if addr.IP.To4() != nil {
		_, err := s.sockV4.WriteToUDP(payload, addr)
		return err
	}
	if s.sockV6 == nil {
		return &IPv6RelayDisabledError{Addr: addr}
	}
	_, err := s.sockV6.WriteToUDP(payload, addr)
	return err
}

// close tears down both sockets and wakes every pump goroutine exactly
// once. It does not touch the Connection's session map; callers
// (Dissociate handling, idle timeout) are responsible for removing the
// map entry themselves, matching the "weak reference dropped" semantics
// of the Rust source.
func (s *udpSession) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.sockV4.Close()
		if s.sockV6 != nil {
			s.sockV6.Close()
		}
	})
}
