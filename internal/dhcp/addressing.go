package dhcp

import "net"

// DHCP well-known ports.
const (
	ServerPort = 67
	ClientPort = 68
)

var broadcastIP = net.IPv4bcast.To4()

// ReplyAddr says where the transport must send an encoded reply. It is part
// of the engine's output so the transport never has to re-derive protocol
// rules from packet contents.
type ReplyAddr struct {
	IP   net.IP
	Port int
}

func (a ReplyAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// ReplyAddress applies the RFC 2131 §4.1 response-addressing rule: relayed
// requests go back to the relay on the server port, NAKs are always
// broadcast, clients without a usable unicast address get broadcast, and
// everything else is unicast to the address being confirmed.
func ReplyAddress(req *Message, reply *Message) ReplyAddr {
	if t, ok := reply.Type(); ok && t == Nak {
		if req.GIAddr != nil && !req.GIAddr.IsUnspecified() {
			return ReplyAddr{IP: req.GIAddr, Port: ServerPort}
		}
		// The client's network configuration cannot be trusted after a NAK.
		return ReplyAddr{IP: broadcastIP, Port: ClientPort}
	}

	if req.GIAddr != nil && !req.GIAddr.IsUnspecified() {
		return ReplyAddr{IP: req.GIAddr, Port: ServerPort}
	}

	if req.CIAddr != nil && !req.CIAddr.IsUnspecified() {
		return ReplyAddr{IP: req.CIAddr, Port: ClientPort}
	}

	if req.BroadcastRequested() || reply.YIAddr == nil || reply.YIAddr.IsUnspecified() {
		return ReplyAddr{IP: broadcastIP, Port: ClientPort}
	}

	return ReplyAddr{IP: reply.YIAddr, Port: ClientPort}
}
