package domain

import "time"

// LeaseState tracks where an address binding is in its lifecycle.
type LeaseState string

const (
	StateOffered  LeaseState = "OFFERED"
	StateBound    LeaseState = "BOUND"
	StateReleased LeaseState = "RELEASED"
	StateExpired  LeaseState = "EXPIRED"
)

// Lease represents a time-bounded binding between a client identity and an
// IP address. ClientID is the DHCP client identifier option when the client
// sent one, otherwise the hardware address formatted as lowercase hex with
// colons.
type Lease struct {
	ClientID  string     // Client identity (option 61 or MAC)
	MAC       string     // Hardware address, normalized
	IPAddress string     // The leased IP address
	State     LeaseState // OFFERED, BOUND, RELEASED, EXPIRED
	StartTime time.Time  // When the current state was entered
	Duration  time.Duration
	XID       uint32 // Transaction ID of the last message that touched this lease
}

// Expiry returns the instant the lease stops being valid.
func (l Lease) Expiry() time.Time {
	return l.StartTime.Add(l.Duration)
}

// ExpiredAt reports whether the lease is past its duration at the given time.
func (l Lease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.Expiry())
}

// Identity is how a client is known for lease bookkeeping. ID is the lease
// key (client identifier option if sent, else the MAC); MAC is always the
// hardware address and is what reservations are matched against.
type Identity struct {
	ID  string
	MAC string
}

// Reservation is a statically configured client-identity to IP binding which
// overrides pool allocation. Reserved addresses may live outside the dynamic
// pool range.
type Reservation struct {
	MAC       string // Hardware address, normalized
	IPAddress string // Pinned IP address
}
