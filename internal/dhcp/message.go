// Package dhcp implements the RFC 2131/2132 wire format: message model,
// decoding, encoding, and option handling.
package dhcp

import (
	"fmt"
	"net"
)

// OpCode is the BOOTP message op code.
type OpCode byte

const (
	BootRequest OpCode = 1 // client to server
	BootReply   OpCode = 2 // server to client
)

// MessageType is the DHCP message type carried in option 53.
type MessageType byte

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case Ack:
		return "ACK"
	case Nak:
		return "NAK"
	case Release:
		return "RELEASE"
	case Inform:
		return "INFORM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// FlagBroadcast is the broadcast bit in the flags field (RFC 2131 §2).
const FlagBroadcast uint16 = 0x8000

// Message is a decoded DHCP packet. IP fields are always 4-byte addresses;
// CHAddr holds only the significant HLen bytes of the hardware address.
type Message struct {
	Op      OpCode
	HType   byte
	HLen    byte
	Hops    byte
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	SName   [64]byte
	File    [128]byte
	Options Options
}

// BroadcastRequested reports whether the client set the broadcast flag.
func (m *Message) BroadcastRequested() bool {
	return m.Flags&FlagBroadcast != 0
}

// Type returns the message type from option 53, or false if absent or empty.
func (m *Message) Type() (MessageType, bool) {
	data, ok := m.Options.Get(OptMessageType)
	if !ok || len(data) == 0 {
		return 0, false
	}
	return MessageType(data[0]), true
}

// ClientID returns the client identity used to key leases: the client
// identifier option when present, otherwise the hardware address string.
func (m *Message) ClientID() string {
	if data, ok := m.Options.Get(OptClientIdentifier); ok && len(data) > 0 {
		return fmt.Sprintf("%x", data)
	}
	return m.CHAddr.String()
}

// RequestedIP returns the requested IP address option (50), if present.
func (m *Message) RequestedIP() (net.IP, bool) {
	return m.Options.GetIP(OptRequestedIPAddress)
}

// ServerID returns the server identifier option (54), if present.
func (m *Message) ServerID() (net.IP, bool) {
	return m.Options.GetIP(OptServerIdentifier)
}

func (m *Message) String() string {
	t, _ := m.Type()
	return fmt.Sprintf("%s xid=0x%08x mac=%s ciaddr=%s yiaddr=%s",
		t, m.XID, m.CHAddr, m.CIAddr, m.YIAddr)
}
