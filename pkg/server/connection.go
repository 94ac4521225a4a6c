package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/xid"

	"github.com/tuic-go/tuicd/pkg/config"
	"github.com/tuic-go/tuicd/pkg/logger"
	"github.com/tuic-go/tuicd/pkg/tuic"
)

// RelayMode is the UDP relay carrier the client most recently selected
// for a given association: Native (QUIC datagrams) or Quic (unidirectional
// streams). See spec.md's GLOSSARY.
type RelayMode int

const (
	RelayNative RelayMode = iota
	RelayQuic
)

// Hooks is the Admin/Stats Surface contract from spec.md §4.7. The core
// depends only on these four calls plus ClientHandle.Close, which serves
// as the kick sink; pkg/admin implements Hooks.
type Hooks interface {
	// ClientConnect reports a newly authenticated client. It returns
	// false when the connection must be rejected for exceeding the
	// per-user connection limit (error code 6001).
	ClientConnect(id uuid.UUID, handle ClientHandle) bool
	ClientDisconnect(id uuid.UUID, handle ClientHandle)
	TrafficTx(id uuid.UUID, n uint64)
	TrafficRx(id uuid.UUID, n uint64)
}

// ClientHandle is what a Connection exposes to the Admin/Stats Surface so
// it can implement the /kick endpoint without importing quic-go types.
type ClientHandle interface {
	Tag() string
	RemoteAddr() net.Addr
	Close(code uint64, reason string)
}

// noopHooks is used when the admin surface is disabled; every hook is a
// no-op and ClientConnect always accepts.
type noopHooks struct{}

func (noopHooks) ClientConnect(uuid.UUID, ClientHandle) bool    { return true }
func (noopHooks) ClientDisconnect(uuid.UUID, ClientHandle)      {}
func (noopHooks) TrafficTx(uuid.UUID, uint64)                   {}
func (noopHooks) TrafficRx(uuid.UUID, uint64)                   {}

// NoopHooks is the exported singleton used when restful is not configured.
var NoopHooks Hooks = noopHooks{}

// Connection owns one authenticated QUIC connection. Grounded on
// original_source/tuic-server/src/connection/mod.rs.
type Connection struct {
	tag   string
	log   *slog.Logger
	qconn quic.Connection
	cfg   *config.Config
	users map[uuid.UUID]string // uuid -> password, read-only external record
	hooks Hooks

	auth        *authGate
	reassembler *reassembler

	sessMu   sync.RWMutex
	sessions map[uint16]*udpSession

	relayMu   sync.Mutex
	relayMode RelayMode

	uniCount atomic.Int64
	biCount  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(qconn quic.Connection, cfg *config.Config, users map[uuid.UUID]string, hooks Hooks) *Connection {
	if hooks == nil {
		hooks = NoopHooks
	}
	tag := xid.New().String()
	return &Connection{
		tag:         tag,
		log:         logger.With("conn", tag),
		qconn:       qconn,
		cfg:         cfg,
		users:       users,
		hooks:       hooks,
		auth:        newAuthGate(),
		reassembler: newReassembler(),
		sessions:    make(map[uint16]*udpSession),
		closed:      make(chan struct{}),
	}
}

// Tag implements ClientHandle.
func (c *Connection) Tag() string { return c.tag }

// RemoteAddr implements ClientHandle.
func (c *Connection) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

// Close implements ClientHandle, used both internally (protocol errors)
// and by the admin surface's /kick endpoint.
func (c *Connection) Close(code uint64, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.qconn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	})
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// handle runs the Connection Controller's full task tree: the
// auth-timeout task, the GC task, and the main accept loop over
// unidirectional streams, bidirectional streams, and datagrams. It
// returns once the connection is closed.
func (c *Connection) handle(ctx context.Context) {
	go c.authTimeoutTask()
	go c.gcTask()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.acceptUniStreams(ctx) }()
	go func() { defer wg.Done(); c.acceptBiStreams(ctx) }()
	go func() { defer wg.Done(); c.acceptDatagrams(ctx) }()
	wg.Wait()

	c.Close(ErrCodeProtocol, "connection ended")
	c.closeAllSessions()
}

func (c *Connection) authTimeoutTask() {
	select {
	case <-c.auth.wait():
		id, _ := c.auth.get()
		if !c.hooks.ClientConnect(id, c) {
			c.Close(ErrCodeLimitExceed, "per-user client limit exceeded")
		}
	case <-time.After(c.cfg.AuthTimeout.Duration):
		if _, ok := c.auth.get(); !ok {
			c.log.Warn("authentication timed out")
			c.Close(ErrCodeProtocol, "authentication timeout")
		}
	case <-c.closed:
	}
}

func (c *Connection) gcTask() {
	ticker := time.NewTicker(c.cfg.GCInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			if id, ok := c.auth.get(); ok {
				c.hooks.ClientDisconnect(id, c)
			}
			return
		case <-ticker.C:
			c.reassembler.gc(c.cfg.GCLifetime.Duration)
		}
	}
}

func (c *Connection) acceptUniStreams(ctx context.Context) {
	for {
		stream, err := c.qconn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		c.uniCount.Add(1)
		go c.handleUniStream(stream)
	}
}

func (c *Connection) acceptBiStreams(ctx context.Context) {
	for {
		stream, err := c.qconn.AcceptStream(ctx)
		if err != nil {
			return
		}
		c.biCount.Add(1)
		go c.handleBiStream(stream)
	}
}

func (c *Connection) acceptDatagrams(ctx context.Context) {
	for {
		buf, err := c.qconn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		go c.handleDatagram(buf)
	}
}

func (c *Connection) handleUniStream(stream quic.ReceiveStream) {
	cmd, err := tuic.DecodeUniStream(stream)
	if err != nil {
		c.log.Warn("malformed uni-stream frame", "err", err)
		c.Close(ErrCodeProtocol, "malformed frame")
		return
	}
	switch v := cmd.(type) {
	case *tuic.AuthenticateCommand:
		c.handleAuthenticate(v)
	case *tuic.PacketCommand:
		c.awaitAuthThen(func() { c.handlePacket(RelayQuic, v) })
	case *tuic.DissociateCommand:
		c.awaitAuthThen(func() { c.handleDissociate(v) })
	case *tuic.HeartbeatCommand:
		c.awaitAuthThen(func() { c.log.Debug("heartbeat") })
	}
}

func (c *Connection) handleBiStream(stream quic.Stream) {
	cmd, err := tuic.DecodeBiStream(stream)
	if err != nil {
		c.log.Warn("malformed bi-stream frame", "err", err)
		c.Close(ErrCodeProtocol, "malformed frame")
		return
	}
	c.awaitAuthThen(func() { c.handleConnect(stream, cmd) })
}

func (c *Connection) handleDatagram(buf []byte) {
	cmd, err := tuic.DecodeDatagram(buf)
	if err != nil {
		c.log.Warn("malformed datagram", "err", err)
		c.Close(ErrCodeProtocol, "malformed frame")
		return
	}
	switch v := cmd.(type) {
	case *tuic.PacketCommand:
		c.awaitAuthThen(func() { c.handlePacket(RelayNative, v) })
	case *tuic.HeartbeatCommand:
		c.awaitAuthThen(func() { c.log.Debug("heartbeat") })
	}
}

// awaitAuthThen bounds how long a post-auth command waits on the
// Authentication Gate by task_negotiation_timeout; if it is not released
// in time the command is dropped, per spec.md §4.5.
func (c *Connection) awaitAuthThen(fn func()) {
	select {
	case <-c.auth.wait():
		fn()
	case <-time.After(c.cfg.TaskNegotiationTimeout.Duration):
		c.log.Debug("command dropped: auth gate not released in time")
	case <-c.closed:
	}
}

func (c *Connection) handleAuthenticate(cmd *tuic.AuthenticateCommand) {
	if _, ok := c.auth.get(); ok {
		c.log.Warn(ErrDuplicatedAuth.Error(), "uuid", cmd.UUID)
		c.Close(ErrCodeProtocol, ErrDuplicatedAuth.Error())
		return
	}
	password, known := c.users[cmd.UUID]
	if !known || !validateProof(c.qconn.ConnectionState().TLS, password, cmd.Token) {
		authErr := &AuthFailedError{UUID: cmd.UUID}
		c.log.Warn(authErr.Error())
		c.Close(ErrCodeProtocol, authErr.Error())
		return
	}
	c.auth.markSet(cmd.UUID)
}

// validateProof checks the 32-byte proof against the TLS exporter keyed
// by the user's password, per spec.md §4.1's Authenticate row.
func validateProof(state tls.ConnectionState, password string, token [tuic.TokenSize]byte) bool {
	exported, err := state.ExportKeyingMaterial("tuic", []byte(password), tuic.TokenSize)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(exported, token[:]) == 1
}

func (c *Connection) currentRelayMode() RelayMode {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	return c.relayMode
}

func (c *Connection) setRelayMode(m RelayMode) {
	c.relayMu.Lock()
	c.relayMode = m
	c.relayMu.Unlock()
}
