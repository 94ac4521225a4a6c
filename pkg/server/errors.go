package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
)

// Error codes used when closing a QUIC connection or resetting a stream,
// per spec.md §6's wire protocol table.
const (
	ErrCodeProtocol    = 0x1770 // 6000: protocol/IO failure
	ErrCodeLimitExceed = 0x1771 // 6001: exceeded per-user client limit
	ErrCodeKicked       = 0x1772 // 6002: kicked by admin
)

// Sentinel error kinds surfaced by the core. Named after
// original_source/tuic-server's Error:: variants.
var (
	ErrConfigInvalid     = errors.New("tuic: invalid configuration")
	ErrTLSSetup          = errors.New("tuic: tls setup failed")
	ErrSocketBind        = errors.New("tuic: socket bind failed")
	ErrHandshake         = errors.New("tuic: handshake failed")
	ErrMalformed         = errors.New("tuic: malformed frame")
	ErrDuplicatedAuth    = errors.New("tuic: duplicated authenticate")
	ErrResolve           = errors.New("tuic: dns resolve failed")
	ErrConnect           = errors.New("tuic: upstream connect failed")
)

// AuthFailedError carries the uuid that failed authentication.
type AuthFailedError struct {
	UUID uuid.UUID
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("tuic: authentication failed for %s", e.UUID)
}

// IPv6RelayDisabledError is returned when a Packet targets an IPv6
// address but udp_relay_ipv6 is off.
type IPv6RelayDisabledError struct {
	Addr net.Addr
}

func (e *IPv6RelayDisabledError) Error() string {
	return fmt.Sprintf("tuic: ipv6 relay disabled, dropped target %s", e.Addr)
}

// isTrivial reports whether err represents an ordinary, expected
// teardown (clean transport close, peer stream reset, EOF) that should
// log at debug rather than warn. Mirrors original_source's
// connection/mod.rs is_trivial() classification.
func isTrivial(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var appErr *net.OpError
	if errors.As(err, &appErr) {
		return true
	}
	return false
}
