package dhcp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T) *Message {
	t.Helper()

	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	m := &Message{
		Op:     BootRequest,
		HType:  1,
		HLen:   6,
		XID:    0xdeadbeef,
		Secs:   4,
		Flags:  FlagBroadcast,
		CIAddr: net.IPv4zero.To4(),
		YIAddr: net.IPv4zero.To4(),
		SIAddr: net.IPv4zero.To4(),
		GIAddr: net.IPv4zero.To4(),
		CHAddr: mac,
	}
	m.Options = m.Options.
		AddMessageType(Discover).
		AddIP(OptRequestedIPAddress, net.ParseIP("10.0.0.10")).
		Add(OptParameterRequestList, []byte{OptSubnetMask, OptRouter, OptDNSServer})
	return m
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := testMessage(t)

	encoded, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, m, decoded)
}

func TestEncodeDecode_RoundTripTwice(t *testing.T) {
	// decode . encode must be idempotent on anything decode produced.
	m := testMessage(t)

	first, err := Encode(m)
	require.NoError(t, err)
	decoded, err := Decode(first)
	require.NoError(t, err)

	second, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncode_PadsToMinimumSize(t *testing.T) {
	encoded, err := Encode(testMessage(t))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(encoded), MinPacketSize)
}

func TestEncode_PreservesOptionOrder(t *testing.T) {
	m := testMessage(t)
	// Unknown codes must survive in position.
	m.Options = m.Options.Add(99, []byte{0x01, 0x02})
	m.Options = m.Options.AddIP(OptServerIdentifier, net.ParseIP("10.0.0.1"))

	encoded, err := Encode(m)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Len(t, decoded.Options, 5)
	codes := make([]byte, len(decoded.Options))
	for i, opt := range decoded.Options {
		codes[i] = opt.Code
	}
	assert.Equal(t, []byte{OptMessageType, OptRequestedIPAddress, OptParameterRequestList, 99, OptServerIdentifier}, codes)
}

func TestDecode_TooShort(t *testing.T) {
	_, err := Decode(make([]byte, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_MissingMagicCookie(t *testing.T) {
	encoded, err := Encode(testMessage(t))
	require.NoError(t, err)

	encoded[236] = 0x00
	_, err = Decode(encoded)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_NoOptionsArea(t *testing.T) {
	// Exactly 236 bytes: structurally a BOOTP header but no cookie.
	_, err := Decode(make([]byte, 236))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_HLenTooLarge(t *testing.T) {
	encoded, err := Encode(testMessage(t))
	require.NoError(t, err)

	encoded[2] = 17
	_, err = Decode(encoded)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_TruncatedOption(t *testing.T) {
	m := testMessage(t)
	encoded, err := Encode(m)
	require.NoError(t, err)

	// Rebuild the options area with an option whose declared length
	// overruns the buffer.
	bad := append([]byte{}, encoded[:240]...)
	bad = append(bad, OptMessageType, 10, byte(Discover))
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_OptionMissingLengthByte(t *testing.T) {
	encoded, err := Encode(testMessage(t))
	require.NoError(t, err)

	bad := append([]byte{}, encoded[:240]...)
	bad = append(bad, OptRequestedIPAddress)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecode_SkipsPadBytes(t *testing.T) {
	encoded, err := Encode(testMessage(t))
	require.NoError(t, err)

	padded := append([]byte{}, encoded[:240]...)
	padded = append(padded, OptPad, OptPad, OptMessageType, 1, byte(Request), OptEnd)

	decoded, err := Decode(padded)
	require.NoError(t, err)

	msgType, ok := decoded.Type()
	require.True(t, ok)
	assert.Equal(t, Request, msgType)
}

func TestMessage_ClientID(t *testing.T) {
	m := testMessage(t)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", m.ClientID())

	m.Options = m.Options.Add(OptClientIdentifier, []byte{0x01, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	assert.Equal(t, "01aabbccddeeff", m.ClientID())
}

func TestMessage_TypeMissing(t *testing.T) {
	m := testMessage(t)
	m.Options = Options{}

	_, ok := m.Type()
	assert.False(t, ok)
}
