// Package allocator owns the dynamic address pool: the FREE/OFFERED/BOUND
// view of every address, static reservations, and exclusions. It is pure
// in-memory bookkeeping; durability lives in the lease repository, and the
// protocol engine keeps the two in step under one critical section.
package allocator

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jbweber/homelab/hearth/internal/domain"
)

var (
	// ErrPoolExhausted is returned when no FREE address remains.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrAddressConflict is returned when an address is already offered or
	// bound to a different client. First OFFERED wins.
	ErrAddressConflict = errors.New("address in use by another client")

	// ErrOutOfRange is returned for addresses outside the pool that are not
	// reservations.
	ErrOutOfRange = errors.New("address outside pool range")
)

type entry struct {
	state    domain.LeaseState
	clientID string
	deadline time.Time // OFFERED only: tentative allocation expiry
}

// Allocator manages a contiguous IPv4 pool [start, end] with a round-robin
// allocation cursor. All methods require external serialization; the engine
// wraps every call in its critical section.
type Allocator struct {
	start, end uint32
	cursor     uint32 // last handed-out address; scan resumes just after

	entries      map[uint32]entry
	excluded     map[uint32]struct{}
	reservations map[string]uint32 // normalized MAC -> pinned address
	reservedIPs  map[uint32]string // pinned address -> owning MAC
	offerTTL     time.Duration
}

// Counts is a snapshot of pool accounting. Free + Offered + Bound +
// Excluded + Reserved always equals Total.
type Counts struct {
	Total    int `json:"total"`
	Free     int `json:"free"`
	Offered  int `json:"offered"`
	Bound    int `json:"bound"`
	Excluded int `json:"excluded"`
	Reserved int `json:"reserved"`
}

// New creates an allocator for the range [start, end].
func New(start, end net.IP, offerTTL time.Duration) (*Allocator, error) {
	s, err := ipToInt(start)
	if err != nil {
		return nil, fmt.Errorf("invalid pool start: %w", err)
	}
	e, err := ipToInt(end)
	if err != nil {
		return nil, fmt.Errorf("invalid pool end: %w", err)
	}
	if s > e {
		return nil, fmt.Errorf("pool start %s is after pool end %s", start, end)
	}
	return &Allocator{
		start:        s,
		end:          e,
		cursor:       e, // first scan starts at pool start
		entries:      make(map[uint32]entry),
		excluded:     make(map[uint32]struct{}),
		reservations: make(map[string]uint32),
		reservedIPs:  make(map[uint32]string),
		offerTTL:     offerTTL,
	}, nil
}

// AddReservation pins an address to a MAC. Reserved addresses are skipped by
// pool scans even when inside the range, and may lie outside the range.
func (a *Allocator) AddReservation(mac string, ip net.IP) error {
	n, err := ipToInt(ip)
	if err != nil {
		return fmt.Errorf("invalid reservation address: %w", err)
	}
	if owner, ok := a.reservedIPs[n]; ok && owner != mac {
		return fmt.Errorf("address %s already reserved for %s", ip, owner)
	}
	a.reservations[mac] = n
	a.reservedIPs[n] = mac
	return nil
}

// Exclude removes an address from dynamic allocation. Used for configured
// exclusions and for addresses a client DECLINEd pending manual review.
func (a *Allocator) Exclude(ip net.IP) error {
	n, err := ipToInt(ip)
	if err != nil {
		return err
	}
	a.excluded[n] = struct{}{}
	delete(a.entries, n)
	return nil
}

// Reserve returns the pinned address for a MAC, if one is configured.
func (a *Allocator) Reserve(mac string) (net.IP, bool) {
	n, ok := a.reservations[mac]
	if !ok {
		return nil, false
	}
	return intToIP(n), true
}

// ReservationFor returns the MAC an address is pinned to, if any.
func (a *Allocator) ReservationFor(ip net.IP) (string, bool) {
	n, err := ipToInt(ip)
	if err != nil {
		return "", false
	}
	mac, ok := a.reservedIPs[n]
	return mac, ok
}

// InRange reports whether an address lies inside the dynamic pool.
func (a *Allocator) InRange(ip net.IP) bool {
	n, err := ipToInt(ip)
	if err != nil {
		return false
	}
	return n >= a.start && n <= a.end
}

// NextFree scans the range starting just past the cursor, wrapping once, and
// returns the first allocatable address. Excluded, reserved, bound, and
// still-pending offered addresses are skipped; offers past their deadline
// are reclaimed lazily. Advances the cursor past the returned address.
func (a *Allocator) NextFree(now time.Time) (net.IP, error) {
	size := a.end - a.start + 1
	candidate := a.cursor
	for i := uint32(0); i < size; i++ {
		candidate++
		if candidate > a.end {
			candidate = a.start
		}
		if a.available(candidate, now) {
			a.cursor = candidate
			return intToIP(candidate), nil
		}
	}
	return nil, ErrPoolExhausted
}

// Available reports whether a specific in-range address could be offered
// right now. Used to honor a client's requested address on DISCOVER.
func (a *Allocator) Available(ip net.IP, now time.Time) bool {
	n, err := ipToInt(ip)
	if err != nil || n < a.start || n > a.end {
		return false
	}
	return a.available(n, now)
}

func (a *Allocator) available(n uint32, now time.Time) bool {
	if _, ok := a.excluded[n]; ok {
		return false
	}
	if _, ok := a.reservedIPs[n]; ok {
		return false
	}
	e, ok := a.entries[n]
	if !ok {
		return true
	}
	if e.state == domain.StateOffered && now.After(e.deadline) {
		delete(a.entries, n)
		return true
	}
	return false
}

// MarkOffered records a tentative allocation. Offering an address already
// offered to a different, still-pending client fails; an expired offer is
// taken over. Reserved addresses may only be offered to their owner.
func (a *Allocator) MarkOffered(ip net.IP, client domain.Identity, now time.Time) error {
	n, err := a.checkOwnership(ip, client)
	if err != nil {
		return err
	}
	if e, ok := a.entries[n]; ok && e.clientID != client.ID {
		if e.state == domain.StateBound || !now.After(e.deadline) {
			return fmt.Errorf("%w: %s %s to %s", ErrAddressConflict, ip, e.state, e.clientID)
		}
	}
	a.entries[n] = entry{state: domain.StateOffered, clientID: client.ID, deadline: now.Add(a.offerTTL)}
	return nil
}

// MarkBound commits an address to a client.
func (a *Allocator) MarkBound(ip net.IP, client domain.Identity) error {
	n, err := a.checkOwnership(ip, client)
	if err != nil {
		return err
	}
	if e, ok := a.entries[n]; ok && e.clientID != client.ID && e.state == domain.StateBound {
		return fmt.Errorf("%w: %s bound to %s", ErrAddressConflict, ip, e.clientID)
	}
	a.entries[n] = entry{state: domain.StateBound, clientID: client.ID}
	return nil
}

// Checkpoint captures the current allocation entry for an address so a
// failed store write can roll the pool back to exactly the prior state.
// Rolling back to a blank Checkpoint frees the address.
type Checkpoint struct {
	addr    uint32
	present bool
	prev    entry
}

// Checkpoint snapshots the entry for ip. The snapshot stays valid until the
// next mutation of that address.
func (a *Allocator) Checkpoint(ip net.IP) Checkpoint {
	n, err := ipToInt(ip)
	if err != nil {
		return Checkpoint{}
	}
	prev, ok := a.entries[n]
	return Checkpoint{addr: n, present: ok, prev: prev}
}

// Rollback restores the entry captured by a Checkpoint, undoing any
// MarkOffered or MarkBound applied since.
func (a *Allocator) Rollback(cp Checkpoint) {
	if cp.present {
		a.entries[cp.addr] = cp.prev
		return
	}
	delete(a.entries, cp.addr)
}

// MarkReleased returns an address to FREE.
func (a *Allocator) MarkReleased(ip net.IP) {
	if n, err := ipToInt(ip); err == nil {
		delete(a.entries, n)
	}
}

// MarkExpired returns an address to FREE. Identical bookkeeping to release;
// kept separate so call sites read like the state diagram.
func (a *Allocator) MarkExpired(ip net.IP) {
	a.MarkReleased(ip)
}

// checkOwnership validates that ip is either in range or reserved, and if
// reserved, that the client's MAC matches the reservation owner.
func (a *Allocator) checkOwnership(ip net.IP, client domain.Identity) (uint32, error) {
	n, err := ipToInt(ip)
	if err != nil {
		return 0, err
	}
	if owner, ok := a.reservedIPs[n]; ok {
		if owner != client.MAC {
			return 0, fmt.Errorf("%w: %s reserved for %s", ErrAddressConflict, ip, owner)
		}
		return n, nil
	}
	if n < a.start || n > a.end {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, ip)
	}
	if _, ok := a.excluded[n]; ok {
		return 0, fmt.Errorf("%w: %s is excluded", ErrAddressConflict, ip)
	}
	return n, nil
}

// Rebuild reconstructs the in-memory view from persisted leases. The store
// is authoritative after restart; stale offers past the TTL are dropped.
func (a *Allocator) Rebuild(leases []domain.Lease, now time.Time) error {
	a.entries = make(map[uint32]entry)
	for _, l := range leases {
		ip := net.ParseIP(l.IPAddress)
		if ip == nil {
			return fmt.Errorf("persisted lease for %s has invalid address %q", l.ClientID, l.IPAddress)
		}
		n, err := ipToInt(ip)
		if err != nil {
			return err
		}
		switch l.State {
		case domain.StateBound:
			a.entries[n] = entry{state: domain.StateBound, clientID: l.ClientID}
		case domain.StateOffered:
			deadline := l.StartTime.Add(a.offerTTL)
			if now.Before(deadline) {
				a.entries[n] = entry{state: domain.StateOffered, clientID: l.ClientID, deadline: deadline}
			}
		}
	}
	return nil
}

// Counts classifies every pool address exactly once. Reservations outside
// the range are counted as reserved but not in Total's complement, so the
// conservation identity holds over the range itself.
func (a *Allocator) Counts() Counts {
	c := Counts{Total: int(a.end - a.start + 1)}
	for n := a.start; ; n++ {
		switch {
		case hasKey(a.excluded, n):
			c.Excluded++
		case hasKeyS(a.reservedIPs, n):
			c.Reserved++
		default:
			if e, ok := a.entries[n]; ok {
				if e.state == domain.StateBound {
					c.Bound++
				} else {
					c.Offered++
				}
			} else {
				c.Free++
			}
		}
		if n == a.end {
			break
		}
	}
	return c
}

func hasKey(m map[uint32]struct{}, k uint32) bool {
	_, ok := m[k]
	return ok
}

func hasKeyS(m map[uint32]string, k uint32) bool {
	_, ok := m[k]
	return ok
}

// ipToInt and intToIP convert between 4-byte addresses and their integer
// form for range arithmetic.
func ipToInt(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

func intToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
}
