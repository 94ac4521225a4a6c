// Package tuic implements encoding and decoding of TUIC v5 command frames
// as carried on QUIC streams and datagrams.
package tuic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrMalformed is returned for any frame that is truncated or carries an
// unknown tag. Callers close the connection on Malformed per the protocol.
var ErrMalformed = errors.New("tuic: malformed frame")

// AddrType tags the shape of an Address.
type AddrType byte

const (
	AddrNone   AddrType = 0xff
	AddrDomain AddrType = 0x00
	AddrIPv4   AddrType = 0x01
	AddrIPv6   AddrType = 0x02
)

// Address is the tagged union TUIC v5 uses for both Connect targets and
// the destination carried on fragment 0 of a Packet command.
type Address struct {
	Type   AddrType
	Domain string // valid when Type == AddrDomain
	IP     net.IP // valid when Type == AddrIPv4 / AddrIPv6
	Port   uint16
}

// NoneAddr builds the sentinel "no address" value used for Packet
// fragments after the first, which carry no destination.
func NoneAddr() Address { return Address{Type: AddrNone} }

// String renders the address the way net.JoinHostPort would.
func (a Address) String() string {
	switch a.Type {
	case AddrNone:
		return "none"
	case AddrDomain:
		return net.JoinHostPort(a.Domain, fmt.Sprintf("%d", a.Port))
	case AddrIPv4, AddrIPv6:
		return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
	default:
		return "invalid"
	}
}

// EncodedLen returns the number of bytes Encode will produce.
func (a Address) EncodedLen() int {
	switch a.Type {
	case AddrNone:
		return 1
	case AddrDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	default:
		return 1
	}
}

// Encode appends the wire representation of a to dst and returns the
// extended slice.
func (a Address) Encode(dst []byte) []byte {
	dst = append(dst, byte(a.Type))
	switch a.Type {
	case AddrNone:
		// no payload
	case AddrDomain:
		dst = append(dst, byte(len(a.Domain)))
		dst = append(dst, a.Domain...)
		dst = binary.BigEndian.AppendUint16(dst, a.Port)
	case AddrIPv4:
		ip4 := a.IP.To4()
		if ip4 == nil {
			ip4 = make([]byte, 4)
		}
		dst = append(dst, ip4...)
		dst = binary.BigEndian.AppendUint16(dst, a.Port)
	case AddrIPv6:
		ip6 := a.IP.To16()
		if ip6 == nil {
			ip6 = make([]byte, 16)
		}
		dst = append(dst, ip6...)
		dst = binary.BigEndian.AppendUint16(dst, a.Port)
	}
	return dst
}

// DecodeAddress reads one tagged address from buf and returns the number
// of bytes consumed. It fails with ErrMalformed on truncation or an
// unknown tag, per spec.
func DecodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, ErrMalformed
	}
	typ := AddrType(buf[0])
	switch typ {
	case AddrNone:
		return Address{Type: AddrNone}, 1, nil
	case AddrDomain:
		if len(buf) < 2 {
			return Address{}, 0, ErrMalformed
		}
		n := int(buf[1])
		need := 2 + n + 2
		if len(buf) < need {
			return Address{}, 0, ErrMalformed
		}
		domain := string(buf[2 : 2+n])
		port := binary.BigEndian.Uint16(buf[2+n : 2+n+2])
		return Address{Type: AddrDomain, Domain: domain, Port: port}, need, nil
	case AddrIPv4:
		need := 1 + 4 + 2
		if len(buf) < need {
			return Address{}, 0, ErrMalformed
		}
		ip := net.IP(append([]byte(nil), buf[1:5]...))
		port := binary.BigEndian.Uint16(buf[5:7])
		return Address{Type: AddrIPv4, IP: ip, Port: port}, need, nil
	case AddrIPv6:
		need := 1 + 16 + 2
		if len(buf) < need {
			return Address{}, 0, ErrMalformed
		}
		ip := net.IP(append([]byte(nil), buf[1:17]...))
		port := binary.BigEndian.Uint16(buf[17:19])
		return Address{Type: AddrIPv6, IP: ip, Port: port}, need, nil
	default:
		return Address{}, 0, ErrMalformed
	}
}

// AddressFromNetAddr builds an Address from a resolved net.Addr, choosing
// IPv4 or IPv6 by address family. Used when building the server->client
// relay-back frame for a UDP reply.
func AddressFromNetAddr(addr *net.UDPAddr) Address {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return Address{Type: AddrIPv4, IP: ip4, Port: uint16(addr.Port)}
	}
	return Address{Type: AddrIPv6, IP: addr.IP.To16(), Port: uint16(addr.Port)}
}
