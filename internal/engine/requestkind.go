package engine

import (
	"net"

	"github.com/jbweber/homelab/hearth/internal/dhcp"
)

// RequestKind classifies an incoming REQUEST by which fields the client
// set, instead of testing option presence ad hoc in every branch. This is
// the RFC 2131 §4.3.2 client-state taxonomy.
type RequestKind int

const (
	// KindSelecting: server identifier present and it names us; the client
	// is confirming one of our offers.
	KindSelecting RequestKind = iota

	// KindSelectingOther: server identifier present but names a different
	// server. We stay silent.
	KindSelectingOther

	// KindInitReboot: no server identifier, ciaddr unset, requested IP set;
	// the client is verifying a previously held address.
	KindInitReboot

	// KindRenewing: ciaddr set; the client is extending an active lease.
	// RENEWING and REBINDING differ only in how the packet reached us, so
	// they collapse to one kind.
	KindRenewing

	// KindInvalid: field combination matches no client state.
	KindInvalid
)

func (k RequestKind) String() string {
	switch k {
	case KindSelecting:
		return "SELECTING"
	case KindSelectingOther:
		return "SELECTING-OTHER"
	case KindInitReboot:
		return "INIT-REBOOT"
	case KindRenewing:
		return "RENEWING"
	default:
		return "INVALID"
	}
}

// classifyRequest derives the RequestKind from (server identifier, ciaddr,
// requested IP) as set in the message.
func classifyRequest(m *dhcp.Message, serverIP net.IP) RequestKind {
	if serverID, ok := m.ServerID(); ok {
		if serverID.Equal(serverIP) {
			return KindSelecting
		}
		return KindSelectingOther
	}

	hasCIAddr := m.CIAddr != nil && !m.CIAddr.IsUnspecified()
	_, hasRequested := m.RequestedIP()

	switch {
	case !hasCIAddr && hasRequested:
		return KindInitReboot
	case hasCIAddr:
		return KindRenewing
	default:
		return KindInvalid
	}
}
