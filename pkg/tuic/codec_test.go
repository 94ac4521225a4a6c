package tuic

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	cases := []Address{
		NoneAddr(),
		{Type: AddrDomain, Domain: "example.com", Port: 443},
		{Type: AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9},
		{Type: AddrIPv6, IP: net.ParseIP("::1"), Port: 9},
	}
	for _, c := range cases {
		encoded := c.Encode(nil)
		assert.Len(t, encoded, c.EncodedLen())
		decoded, n, err := DecodeAddress(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, c.Type, decoded.Type)
		if c.Type == AddrDomain {
			assert.Equal(t, c.Domain, decoded.Domain)
		}
		if c.Type == AddrIPv4 || c.Type == AddrIPv6 {
			assert.True(t, c.IP.Equal(decoded.IP))
		}
		assert.Equal(t, c.Port, decoded.Port)
	}
}

func TestDecodeAddressTruncated(t *testing.T) {
	_, _, err := DecodeAddress([]byte{byte(AddrIPv4), 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	id := uuid.New()
	var token [TokenSize]byte
	for i := range token {
		token[i] = byte(i)
	}
	wire := EncodeAuthenticate(id, token)
	got, err := DecodeUniStream(bytes.NewReader(wire))
	require.NoError(t, err)
	auth, ok := got.(*AuthenticateCommand)
	require.True(t, ok)
	assert.Equal(t, id, auth.UUID)
	assert.Equal(t, token, auth.Token)
}

func TestConnectRoundTrip(t *testing.T) {
	addr := Address{Type: AddrDomain, Domain: "example.com", Port: 80}
	wire := EncodeConnectHeader(addr)
	got, err := DecodeBiStream(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, addr.Domain, got.Addr.Domain)
	assert.Equal(t, addr.Port, got.Addr.Port)
}

func TestPacketRoundTripOverStream(t *testing.T) {
	pc := &PacketCommand{
		AssocID:   1,
		PktID:     1,
		FragTotal: 2,
		FragID:    0,
		Size:      5,
		Addr:      Address{Type: AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9},
		Data:      []byte("hello"),
	}
	wire := EncodePacket(pc)
	got, err := DecodeUniStream(bytes.NewReader(wire))
	require.NoError(t, err)
	decoded, ok := got.(*PacketCommand)
	require.True(t, ok)
	assert.Equal(t, pc.AssocID, decoded.AssocID)
	assert.Equal(t, pc.PktID, decoded.PktID)
	assert.Equal(t, pc.Data, decoded.Data)
}

func TestPacketRoundTripDatagram(t *testing.T) {
	pc := &PacketCommand{
		AssocID:   7,
		PktID:     3,
		FragTotal: 1,
		FragID:    0,
		Size:      3,
		Addr:      Address{Type: AddrIPv4, IP: net.IPv4(1, 2, 3, 4).To4(), Port: 53},
		Data:      []byte("abc"),
	}
	wire := EncodePacket(pc)
	got, err := DecodeDatagram(wire)
	require.NoError(t, err)
	decoded := got.(*PacketCommand)
	assert.Equal(t, pc.Data, decoded.Data)
	assert.Equal(t, pc.Addr.Port, decoded.Addr.Port)
}

func TestDissociateRoundTrip(t *testing.T) {
	wire := EncodeDissociate(42)
	got, err := DecodeUniStream(bytes.NewReader(wire))
	require.NoError(t, err)
	d, ok := got.(*DissociateCommand)
	require.True(t, ok)
	assert.EqualValues(t, 42, d.AssocID)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	wire := EncodeHeartbeat()
	got, err := DecodeUniStream(bytes.NewReader(wire))
	require.NoError(t, err)
	_, ok := got.(*HeartbeatCommand)
	assert.True(t, ok)

	got2, err := DecodeDatagram(wire)
	require.NoError(t, err)
	_, ok = got2.(*HeartbeatCommand)
	assert.True(t, ok)
}

func TestDecodeUniStreamWrongVersion(t *testing.T) {
	_, err := DecodeUniStream(bytes.NewReader([]byte{0x04, byte(CmdHeartbeat)}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeUniStreamUnknownCommand(t *testing.T) {
	_, err := DecodeUniStream(bytes.NewReader([]byte{Version, 0x7f}))
	assert.ErrorIs(t, err, ErrMalformed)
}
