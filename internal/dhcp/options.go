package dhcp

import (
	"encoding/binary"
	"net"
	"time"
)

// Option codes from RFC 2132.
const (
	OptPad                  byte = 0
	OptSubnetMask           byte = 1
	OptRouter               byte = 3
	OptDNSServer            byte = 6
	OptRequestedIPAddress   byte = 50
	OptIPAddressLeaseTime   byte = 51
	OptMessageType          byte = 53
	OptServerIdentifier     byte = 54
	OptParameterRequestList byte = 55
	OptClientIdentifier     byte = 61
	OptEnd                  byte = 255
)

// Option is a single TLV option. Unknown codes are carried through verbatim.
type Option struct {
	Code byte
	Data []byte
}

// Options is the ordered option sequence of a message. Order is preserved
// through decode and encode.
type Options []Option

// Get returns the data of the first option with the given code.
func (o Options) Get(code byte) ([]byte, bool) {
	for _, opt := range o {
		if opt.Code == code {
			return opt.Data, true
		}
	}
	return nil, false
}

// GetIP returns an option interpreted as a single IPv4 address.
func (o Options) GetIP(code byte) (net.IP, bool) {
	data, ok := o.Get(code)
	if !ok || len(data) != 4 {
		return nil, false
	}
	return net.IPv4(data[0], data[1], data[2], data[3]).To4(), true
}

// Add appends an option, preserving insertion order.
func (o Options) Add(code byte, data []byte) Options {
	return append(o, Option{Code: code, Data: data})
}

// AddIP appends a single-address option.
func (o Options) AddIP(code byte, ip net.IP) Options {
	return o.Add(code, ip.To4())
}

// AddIPs appends an option containing a concatenated address list.
func (o Options) AddIPs(code byte, ips []net.IP) Options {
	data := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		data = append(data, ip.To4()...)
	}
	return o.Add(code, data)
}

// AddMessageType appends the message type option.
func (o Options) AddMessageType(t MessageType) Options {
	return o.Add(OptMessageType, []byte{byte(t)})
}

// AddDuration appends a duration option encoded as big-endian seconds.
func (o Options) AddDuration(code byte, d time.Duration) Options {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(d/time.Second))
	return o.Add(code, data)
}
