package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tuic-go/tuicd/pkg/tuic"
)

// connectDialTimeout bounds how long a Connect command waits for a TCP
// handshake to the resolved destination. Grounded on the teacher's
// handleConnect in pkg/protocols/tuicproxy.go, which used the same value.
const connectDialTimeout = 30 * time.Second

// nativeDatagramChunk is the practical per-datagram payload ceiling used
// when fragmenting a server->client UDP reply for Native relay mode, kept
// comfortably under typical path MTUs.
const nativeDatagramChunk = 1100

func (c *Connection) handleConnect(stream quic.Stream, cmd *tuic.ConnectCommand) {
	tcpConn, err := dialConnect(cmd.Addr)
	if err != nil {
		c.log.Warn("connect failed", "addr", cmd.Addr, "err", err)
		// Open Question (b): the source resets the stream on DNS/connect
		// failure rather than half-closing it; preserve that.
		stream.CancelWrite(quic.StreamErrorCode(ErrCodeProtocol))
		stream.CancelRead(quic.StreamErrorCode(ErrCodeProtocol))
		return
	}
	if tc, ok := tcpConn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	tx, rx, err := relayTCP(stream, tcpConn)
	if err != nil && !isTrivial(err) {
		c.log.Warn("connect relay ended with error", "err", err)
	}

	if id, ok := c.auth.get(); ok {
		if tx > 0 {
			c.hooks.TrafficTx(id, uint64(tx))
		}
		if rx > 0 {
			c.hooks.TrafficRx(id, uint64(rx))
		}
	}
}

// dialConnect resolves addr and dials the first candidate that accepts a
// TCP connection, per spec.md §4.5 ("domain: synchronous DNS with all
// returned addresses tried in order until one TCP-connects; socket
// address: use directly"). Grounded on
// original_source/tuic-server/src/connection/handle_task.rs's
// resolve_dns + the trial loop in handle_connect.
func dialConnect(addr tuic.Address) (net.Conn, error) {
	switch addr.Type {
	case tuic.AddrNone:
		return nil, ErrResolve
	case tuic.AddrIPv4, tuic.AddrIPv6:
		target := net.JoinHostPort(addr.IP.String(), fmt.Sprintf("%d", addr.Port))
		return net.DialTimeout("tcp", target, connectDialTimeout)
	case tuic.AddrDomain:
		ips, err := net.LookupHost(addr.Domain)
		if err != nil || len(ips) == 0 {
			return nil, ErrResolve
		}
		var lastErr error
		for _, ip := range ips {
			target := net.JoinHostPort(ip, fmt.Sprintf("%d", addr.Port))
			conn, err := net.DialTimeout("tcp", target, connectDialTimeout)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnect, lastErr)
	default:
		return nil, ErrMalformed
	}
}

func (c *Connection) handlePacket(mode RelayMode, cmd *tuic.PacketCommand) {
	c.setRelayMode(mode)

	complete, err := c.reassembler.insert(cmd.AssocID, cmd)
	if err == ErrFragOutOfRange {
		c.log.Warn("fragment id out of range, dropped", "assoc_id", cmd.AssocID)
		return
	}
	if err != nil {
		c.log.Warn("malformed packet fragment", "err", err)
		c.Close(ErrCodeProtocol, "malformed packet fragment")
		return
	}
	if complete == nil {
		return // waiting on more fragments
	}

	dest, err := resolveUDPTarget(complete.Addr)
	if err != nil {
		c.log.Warn("packet target resolve failed", "err", err)
		return
	}
	if dest.IP.To4() == nil && !c.cfg.UDPRelayIPv6 {
		c.log.Warn("ipv6 relay disabled, packet dropped", "target", dest)
		return
	}

	session, err := c.getOrCreateSession(complete.AssocID)
	if err != nil {
		c.log.Warn("udp session create failed", "err", err)
		return
	}

	if id, ok := c.auth.get(); ok {
		c.hooks.TrafficTx(id, uint64(len(complete.Data)))
	}
	if err := session.send(dest, complete.Data); err != nil {
		c.log.Warn("udp send failed", "assoc_id", complete.AssocID, "err", err)
	}
}

// resolveUDPTarget resolves the first address only, with no fallback, per
// spec.md §4.5's Packet dispatch.
func resolveUDPTarget(addr tuic.Address) (*net.UDPAddr, error) {
	switch addr.Type {
	case tuic.AddrIPv4, tuic.AddrIPv6:
		return &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}, nil
	case tuic.AddrDomain:
		ips, err := net.LookupHost(addr.Domain)
		if err != nil || len(ips) == 0 {
			return nil, ErrResolve
		}
		ip := net.ParseIP(ips[0])
		return &net.UDPAddr{IP: ip, Port: int(addr.Port)}, nil
	default:
		return nil, ErrMalformed
	}
}

// getOrCreateSession implements the race-safe lazy insertion from
// spec.md §5/§9: a fast read-locked check, then a write-locked re-check
// before creating, so concurrent first-packets for the same assoc-id
// produce exactly one session.
func (c *Connection) getOrCreateSession(assocID uint16) (*udpSession, error) {
	c.sessMu.RLock()
	if s, ok := c.sessions[assocID]; ok {
		c.sessMu.RUnlock()
		return s, nil
	}
	c.sessMu.RUnlock()

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if s, ok := c.sessions[assocID]; ok {
		return s, nil
	}
	s, err := newUDPSession(c, assocID)
	if err != nil {
		return nil, err
	}
	c.sessions[assocID] = s
	return s, nil
}

func (c *Connection) removeUDPSession(assocID uint16) {
	c.sessMu.Lock()
	delete(c.sessions, assocID)
	c.sessMu.Unlock()
}

func (c *Connection) handleDissociate(cmd *tuic.DissociateCommand) {
	c.sessMu.Lock()
	s, ok := c.sessions[cmd.AssocID]
	delete(c.sessions, cmd.AssocID)
	c.sessMu.Unlock()
	if ok {
		s.close()
	}
}

func (c *Connection) closeAllSessions() {
	c.sessMu.Lock()
	sessions := c.sessions
	c.sessions = make(map[uint16]*udpSession)
	c.sessMu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

var pktIDSeq atomic.Uint32

// relayPacketBack is the UdpSession pump's callback into the Connection
// for the server->client direction (spec.md §4.5's "Return-path (server
// -> client) for UDP"). It charges rx, then dispatches via the wire
// codec according to the connection's current relay mode, fragmenting
// if the payload doesn't fit in one carrier. Errors here are logged as
// connection-level warnings and never fail the Connection.
func (c *Connection) relayPacketBack(assocID uint16, from *net.UDPAddr, payload []byte) {
	if id, ok := c.auth.get(); ok {
		c.hooks.TrafficRx(id, uint64(len(payload)))
	}

	addr := tuic.AddressFromNetAddr(from)
	pktID := uint16(pktIDSeq.Add(1))

	fragTotal := (len(payload) + nativeDatagramChunk - 1) / nativeDatagramChunk
	if fragTotal == 0 {
		fragTotal = 1
	}

	mode := c.currentRelayMode()
	var stream quic.SendStream
	if mode == RelayQuic {
		var err error
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TaskNegotiationTimeout.Duration)
		stream, err = c.qconn.OpenUniStreamSync(ctx)
		cancel()
		if err != nil {
			c.log.Warn("relay-back stream open failed", "err", err)
			return
		}
		defer stream.Close()
	}

	for i := 0; i < fragTotal; i++ {
		start := i * nativeDatagramChunk
		end := start + nativeDatagramChunk
		if end > len(payload) {
			end = len(payload)
		}
		frag := &tuic.PacketCommand{
			AssocID:   assocID,
			PktID:     pktID,
			FragTotal: uint8(fragTotal),
			FragID:    uint8(i),
			Size:      uint16(end - start),
			Data:      payload[start:end],
		}
		if i == 0 {
			frag.Addr = addr
		} else {
			frag.Addr = tuic.NoneAddr()
		}
		wire := tuic.EncodePacket(frag)

		var err error
		switch mode {
		case RelayNative:
			err = c.qconn.SendDatagram(wire)
		case RelayQuic:
			_, err = stream.Write(wire)
		}
		if err != nil {
			c.log.Warn("relay-back write failed", "mode", mode, "err", err)
			return
		}
	}
}
