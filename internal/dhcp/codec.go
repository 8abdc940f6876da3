package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrMalformedPacket is wrapped by every decode failure. Malformed packets
// are dropped by the caller; they are never fatal.
var ErrMalformedPacket = errors.New("malformed DHCP packet")

const (
	headerSize = 236 // fixed BOOTP header before the magic cookie
	// MinPacketSize is the conventional minimum BOOTP packet length;
	// encoded packets are zero-padded up to it.
	MinPacketSize = 300
	maxHLen       = 16
)

// magicCookie marks the start of the DHCP options area (RFC 2131 §3).
var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// Decode parses a raw UDP payload into a Message. It is strict about
// structure (header length, magic cookie, hlen bound, option truncation)
// and lenient about unknown option codes, which are stored raw.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(data), headerSize)
	}

	m := &Message{
		Op:    OpCode(data[0]),
		HType: data[1],
		HLen:  data[2],
		Hops:  data[3],
		XID:   binary.BigEndian.Uint32(data[4:8]),
		Secs:  binary.BigEndian.Uint16(data[8:10]),
		Flags: binary.BigEndian.Uint16(data[10:12]),
	}

	if m.HLen > maxHLen {
		return nil, fmt.Errorf("%w: hlen %d exceeds %d", ErrMalformedPacket, m.HLen, maxHLen)
	}

	m.CIAddr = readIP(data[12:16])
	m.YIAddr = readIP(data[16:20])
	m.SIAddr = readIP(data[20:24])
	m.GIAddr = readIP(data[24:28])

	m.CHAddr = make(net.HardwareAddr, m.HLen)
	copy(m.CHAddr, data[28:28+int(m.HLen)])

	copy(m.SName[:], data[44:108])
	copy(m.File[:], data[108:236])

	if len(data) < headerSize+4 || [4]byte(data[headerSize:headerSize+4]) != magicCookie {
		return nil, fmt.Errorf("%w: missing or invalid magic cookie", ErrMalformedPacket)
	}

	opts, err := decodeOptions(data[headerSize+4:])
	if err != nil {
		return nil, err
	}
	m.Options = opts

	return m, nil
}

// decodeOptions walks the TLV area until End. A declared length that
// overruns the buffer is a hard error, not a partial parse.
func decodeOptions(data []byte) (Options, error) {
	var opts Options
	i := 0
	for i < len(data) {
		code := data[i]
		if code == OptEnd {
			return opts, nil
		}
		if code == OptPad {
			i++
			continue
		}
		if i+1 >= len(data) {
			return nil, fmt.Errorf("%w: option %d missing length byte", ErrMalformedPacket, code)
		}
		length := int(data[i+1])
		if i+2+length > len(data) {
			return nil, fmt.Errorf("%w: option %d length %d overruns packet", ErrMalformedPacket, code, length)
		}
		value := make([]byte, length)
		copy(value, data[i+2:i+2+length])
		opts = append(opts, Option{Code: code, Data: value})
		i += 2 + length
	}
	return opts, nil
}

// Encode serializes a Message: fixed header in network byte order, magic
// cookie, options in their given order, End terminator, then zero padding
// up to MinPacketSize. For any message produced by Decode,
// Decode(Encode(m)) yields a value equal to m.
func Encode(m *Message) ([]byte, error) {
	if len(m.CHAddr) > maxHLen {
		return nil, fmt.Errorf("chaddr too long: %d bytes", len(m.CHAddr))
	}

	buf := make([]byte, headerSize, MinPacketSize)
	buf[0] = byte(m.Op)
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	writeIP(buf[12:16], m.CIAddr)
	writeIP(buf[16:20], m.YIAddr)
	writeIP(buf[20:24], m.SIAddr)
	writeIP(buf[24:28], m.GIAddr)
	copy(buf[28:44], m.CHAddr)
	copy(buf[44:108], m.SName[:])
	copy(buf[108:236], m.File[:])

	buf = append(buf, magicCookie[:]...)
	for _, opt := range m.Options {
		if len(opt.Data) > 255 {
			return nil, fmt.Errorf("option %d data too long: %d bytes", opt.Code, len(opt.Data))
		}
		buf = append(buf, opt.Code, byte(len(opt.Data)))
		buf = append(buf, opt.Data...)
	}
	buf = append(buf, OptEnd)

	for len(buf) < MinPacketSize {
		buf = append(buf, 0)
	}
	return buf, nil
}

func readIP(b []byte) net.IP {
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

func writeIP(dst []byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		copy(dst, v4)
	}
}
