package tuic

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Version is the only protocol version this codec understands.
const Version byte = 0x05

// Command tags the five TUIC v5 frame kinds.
type Command byte

const (
	CmdAuthenticate Command = 0x00
	CmdConnect      Command = 0x01
	CmdPacket       Command = 0x02
	CmdDissociate   Command = 0x03
	CmdHeartbeat    Command = 0x04
)

func (c Command) String() string {
	switch c {
	case CmdAuthenticate:
		return "Authenticate"
	case CmdConnect:
		return "Connect"
	case CmdPacket:
		return "Packet"
	case CmdDissociate:
		return "Dissociate"
	case CmdHeartbeat:
		return "Heartbeat"
	default:
		return fmt.Sprintf("Command(0x%02x)", byte(c))
	}
}

// TokenSize is the length of the TLS-exporter-derived authentication proof.
const TokenSize = 32

// AuthenticateCommand carries the client's claimed identity and proof.
type AuthenticateCommand struct {
	UUID  uuid.UUID
	Token [TokenSize]byte
}

// ConnectCommand requests a TCP relay to Addr; the stream body that
// follows the header is the proxied payload in both directions.
type ConnectCommand struct {
	Addr Address
}

// PacketCommand carries one fragment of a UDP datagram. Addr is only
// meaningful (and only present on the wire) when FragID == 0.
type PacketCommand struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	Addr      Address
	Data      []byte
}

// DissociateCommand tears down the UDP association AssocID.
type DissociateCommand struct {
	AssocID uint16
}

// HeartbeatCommand keeps the QUIC path alive; it carries no payload.
type HeartbeatCommand struct{}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrMalformed
	}
	return buf, nil
}

// readHeader reads the two-byte version+command prefix common to every
// frame carried on a stream.
func readHeader(r io.Reader) (Command, error) {
	hdr, err := readFull(r, 2)
	if err != nil {
		return 0, err
	}
	if hdr[0] != Version {
		return 0, ErrMalformed
	}
	return Command(hdr[1]), nil
}

// DecodeUniStream reads one frame from an incoming unidirectional stream.
// It returns an *AuthenticateCommand, *PacketCommand, *DissociateCommand,
// or *HeartbeatCommand depending on the tag found, or ErrMalformed.
func DecodeUniStream(r io.Reader) (any, error) {
	cmd, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	switch cmd {
	case CmdAuthenticate:
		return decodeAuthenticateBody(r)
	case CmdPacket:
		return decodePacketBodyFromStream(r)
	case CmdDissociate:
		return decodeDissociateBody(r)
	case CmdHeartbeat:
		return &HeartbeatCommand{}, nil
	default:
		return nil, ErrMalformed
	}
}

// DecodeBiStream reads the Connect header from an incoming bidirectional
// stream. The remaining stream bytes (in both directions) are the relayed
// TCP payload and are not touched by this codec.
func DecodeBiStream(r io.Reader) (*ConnectCommand, error) {
	cmd, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if cmd != CmdConnect {
		return nil, ErrMalformed
	}
	// Addresses are bounded (domain length is a single byte); reading one
	// byte at a time off the stream avoids over-consuming payload bytes
	// that follow the header on the same stream.
	addr, err := decodeAddressFromReader(r)
	if err != nil {
		return nil, err
	}
	return &ConnectCommand{Addr: addr}, nil
}

// DecodeDatagram decodes a single QUIC datagram (Native relay mode). It
// returns a *PacketCommand or *HeartbeatCommand.
func DecodeDatagram(buf []byte) (any, error) {
	if len(buf) < 2 {
		return nil, ErrMalformed
	}
	if buf[0] != Version {
		return nil, ErrMalformed
	}
	cmd := Command(buf[1])
	rest := buf[2:]
	switch cmd {
	case CmdPacket:
		return decodePacketBodyFromBytes(rest)
	case CmdHeartbeat:
		return &HeartbeatCommand{}, nil
	default:
		return nil, ErrMalformed
	}
}

func decodeAuthenticateBody(r io.Reader) (*AuthenticateCommand, error) {
	buf, err := readFull(r, 16+TokenSize)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(buf[:16])
	if err != nil {
		return nil, ErrMalformed
	}
	var tok [TokenSize]byte
	copy(tok[:], buf[16:])
	return &AuthenticateCommand{UUID: id, Token: tok}, nil
}

func decodeDissociateBody(r io.Reader) (*DissociateCommand, error) {
	buf, err := readFull(r, 2)
	if err != nil {
		return nil, err
	}
	return &DissociateCommand{AssocID: binary.BigEndian.Uint16(buf)}, nil
}

// packetFixedLen is assoc(2) + pkt(2) + frag_total(1) + frag_id(1) + size(2).
const packetFixedLen = 8

func decodePacketBodyFromStream(r io.Reader) (*PacketCommand, error) {
	fixed, err := readFull(r, packetFixedLen)
	if err != nil {
		return nil, err
	}
	pc := &PacketCommand{
		AssocID:   binary.BigEndian.Uint16(fixed[0:2]),
		PktID:     binary.BigEndian.Uint16(fixed[2:4]),
		FragTotal: fixed[4],
		FragID:    fixed[5],
		Size:      binary.BigEndian.Uint16(fixed[6:8]),
	}
	if pc.FragID == 0 {
		addr, err := decodeAddressFromReader(r)
		if err != nil {
			return nil, err
		}
		pc.Addr = addr
	} else {
		pc.Addr = NoneAddr()
	}
	data, err := readFull(r, int(pc.Size))
	if err != nil {
		return nil, err
	}
	pc.Data = data
	return pc, nil
}

func decodePacketBodyFromBytes(buf []byte) (*PacketCommand, error) {
	if len(buf) < packetFixedLen {
		return nil, ErrMalformed
	}
	pc := &PacketCommand{
		AssocID:   binary.BigEndian.Uint16(buf[0:2]),
		PktID:     binary.BigEndian.Uint16(buf[2:4]),
		FragTotal: buf[4],
		FragID:    buf[5],
		Size:      binary.BigEndian.Uint16(buf[6:8]),
	}
	rest := buf[packetFixedLen:]
	if pc.FragID == 0 {
		addr, n, err := DecodeAddress(rest)
		if err != nil {
			return nil, err
		}
		pc.Addr = addr
		rest = rest[n:]
	} else {
		pc.Addr = NoneAddr()
	}
	if len(rest) < int(pc.Size) {
		return nil, ErrMalformed
	}
	pc.Data = append([]byte(nil), rest[:pc.Size]...)
	return pc, nil
}

// decodeAddressFromReader reads one tagged address directly off a stream,
// byte by byte where the length is data-dependent (domain names), so it
// never over-reads into the payload that follows.
func decodeAddressFromReader(r io.Reader) (Address, error) {
	tagBuf, err := readFull(r, 1)
	if err != nil {
		return Address{}, err
	}
	typ := AddrType(tagBuf[0])
	switch typ {
	case AddrNone:
		return Address{Type: AddrNone}, nil
	case AddrDomain:
		lenBuf, err := readFull(r, 1)
		if err != nil {
			return Address{}, err
		}
		n := int(lenBuf[0])
		rest, err := readFull(r, n+2)
		if err != nil {
			return Address{}, err
		}
		return Address{
			Type:   AddrDomain,
			Domain: string(rest[:n]),
			Port:   binary.BigEndian.Uint16(rest[n : n+2]),
		}, nil
	case AddrIPv4:
		rest, err := readFull(r, 4+2)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: AddrIPv4, IP: append([]byte(nil), rest[:4]...), Port: binary.BigEndian.Uint16(rest[4:6])}, nil
	case AddrIPv6:
		rest, err := readFull(r, 16+2)
		if err != nil {
			return Address{}, err
		}
		return Address{Type: AddrIPv6, IP: append([]byte(nil), rest[:16]...), Port: binary.BigEndian.Uint16(rest[16:18])}, nil
	default:
		return Address{}, ErrMalformed
	}
}

// EncodeAuthenticate builds the wire bytes for an Authenticate frame.
func EncodeAuthenticate(id uuid.UUID, token [TokenSize]byte) []byte {
	buf := make([]byte, 0, 2+16+TokenSize)
	buf = append(buf, Version, byte(CmdAuthenticate))
	idBytes, _ := id.MarshalBinary()
	buf = append(buf, idBytes...)
	buf = append(buf, token[:]...)
	return buf
}

// EncodeConnectHeader builds the wire bytes for a Connect frame header
// (the stream body that follows is the relayed payload).
func EncodeConnectHeader(addr Address) []byte {
	buf := make([]byte, 0, 2+addr.EncodedLen())
	buf = append(buf, Version, byte(CmdConnect))
	return addr.Encode(buf)
}

// EncodePacket builds the wire bytes for one Packet fragment, suitable for
// either a QUIC datagram (Native mode) or a unidirectional stream write
// (Quic mode).
func EncodePacket(pc *PacketCommand) []byte {
	buf := make([]byte, 0, 2+packetFixedLen+pc.Addr.EncodedLen()+len(pc.Data))
	buf = append(buf, Version, byte(CmdPacket))
	buf = binary.BigEndian.AppendUint16(buf, pc.AssocID)
	buf = binary.BigEndian.AppendUint16(buf, pc.PktID)
	buf = append(buf, pc.FragTotal, pc.FragID)
	buf = binary.BigEndian.AppendUint16(buf, pc.Size)
	if pc.FragID == 0 {
		buf = pc.Addr.Encode(buf)
	}
	buf = append(buf, pc.Data...)
	return buf
}

// EncodeDissociate builds the wire bytes for a Dissociate frame.
func EncodeDissociate(assocID uint16) []byte {
	buf := make([]byte, 0, 4)
	buf = append(buf, Version, byte(CmdDissociate))
	buf = binary.BigEndian.AppendUint16(buf, assocID)
	return buf
}

// EncodeHeartbeat builds the wire bytes for a Heartbeat frame.
func EncodeHeartbeat() []byte {
	return []byte{Version, byte(CmdHeartbeat)}
}
