// Package engine implements the DHCP protocol state machine. It consumes
// decoded messages, drives the allocator and the lease store, and produces
// decoded replies together with their addressing. It owns the single
// critical section that keeps the in-memory pool and the durable store in
// agreement: decide allocation, persist, then update the pool, as one
// atomic unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jbweber/homelab/hearth/internal/allocator"
	"github.com/jbweber/homelab/hearth/internal/config"
	"github.com/jbweber/homelab/hearth/internal/dhcp"
	"github.com/jbweber/homelab/hearth/internal/domain"
	"github.com/jbweber/homelab/hearth/internal/logger"
	"github.com/jbweber/homelab/hearth/internal/repository"
)

// ErrLeaseMismatch is returned when a lease exists but belongs to a
// different client than the one referencing it.
var ErrLeaseMismatch = errors.New("lease held by a different client")

// Response is the engine's output for one incoming message: an encoded-ready
// reply plus where the transport must send it. A nil Response means drop.
type Response struct {
	Message *dhcp.Message
	Addr    dhcp.ReplyAddr
}

// Engine is the per-message protocol state machine.
type Engine struct {
	mu    sync.Mutex
	alloc *allocator.Allocator
	store repository.LeaseRepository
	log   *slog.Logger

	serverIP   net.IP
	subnetMask net.IPMask
	gateway    net.IP
	dnsServers []net.IP
	leaseTime  time.Duration
	offerTTL   time.Duration

	now func() time.Time // overridable for tests
}

// New builds an engine from validated configuration.
func New(cfg *config.Config, alloc *allocator.Allocator, store repository.LeaseRepository, log *slog.Logger) (*Engine, error) {
	serverIP := net.ParseIP(cfg.ServerIP)
	gateway := net.ParseIP(cfg.Gateway)
	mask := net.ParseIP(cfg.SubnetMask)
	if serverIP == nil || gateway == nil || mask == nil {
		return nil, fmt.Errorf("configuration not validated: bad server_ip, gateway, or subnet_mask")
	}

	dns := make([]net.IP, 0, len(cfg.DNSServers))
	for _, s := range cfg.DNSServers {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("configuration not validated: bad dns server %q", s)
		}
		dns = append(dns, ip.To4())
	}

	return &Engine{
		alloc:      alloc,
		store:      store,
		log:        log,
		serverIP:   serverIP.To4(),
		subnetMask: net.IPMask(mask.To4()),
		gateway:    gateway.To4(),
		dnsServers: dns,
		leaseTime:  cfg.LeaseDuration(),
		offerTTL:   cfg.OfferDuration(),
		now:        time.Now,
	}, nil
}

// Bootstrap reloads persisted leases and reconstructs the allocator's view
// before any traffic is accepted. The store is authoritative; a store that
// cannot be read is fatal.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	leases, err := e.store.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload persisted leases: %w", err)
	}
	if err := e.alloc.Rebuild(leases, e.now()); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrCorruptStore, err)
	}

	e.log.Info("lease store loaded", "leases", len(leases))
	return nil
}

// HandleMessage runs one decoded message through the state machine.
// A nil response with nil error means the message is deliberately ignored.
func (e *Engine) HandleMessage(ctx context.Context, msg *dhcp.Message) (*Response, error) {
	if msg.Op != dhcp.BootRequest {
		return nil, nil
	}

	msgType, ok := msg.Type()
	if !ok {
		e.log.Debug("dropping message without message type", logger.KeyXID, msg.XID)
		return nil, nil
	}

	client := domain.Identity{ID: msg.ClientID(), MAC: msg.CHAddr.String()}

	log := e.log.With(
		logger.KeyMsgType, msgType.String(),
		logger.KeyXID, fmt.Sprintf("0x%08x", msg.XID),
		logger.KeyMAC, client.MAC,
	)

	switch msgType {
	case dhcp.Discover:
		return e.handleDiscover(ctx, msg, client, log)
	case dhcp.Request:
		return e.handleRequest(ctx, msg, client, log)
	case dhcp.Decline:
		return nil, e.handleDecline(ctx, msg, client, log)
	case dhcp.Release:
		return nil, e.handleRelease(ctx, msg, client, log)
	case dhcp.Inform:
		return e.handleInform(msg, log)
	default:
		// OFFER/ACK/NAK from other servers, or unknown types.
		log.Debug("dropping unhandled message type")
		return nil, nil
	}
}

// handleDiscover chooses an address and answers with an OFFER. Priority:
// reservation, the client's existing lease, the client's requested address,
// then the pool scan.
func (e *Engine) handleDiscover(ctx context.Context, msg *dhcp.Message, client domain.Identity, log *slog.Logger) (*Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	ip, ok := e.alloc.Reserve(client.MAC)
	if !ok {
		if existing, err := e.store.Get(ctx, client.ID); err == nil {
			if existing.State == domain.StateBound || (existing.State == domain.StateOffered && !now.After(existing.StartTime.Add(e.offerTTL))) {
				ip = net.ParseIP(existing.IPAddress)
			}
		}
	}
	if ip == nil {
		if requested, ok := msg.RequestedIP(); ok && e.alloc.Available(requested, now) {
			if _, reserved := e.alloc.ReservationFor(requested); !reserved {
				ip = requested
			}
		}
	}
	if ip == nil {
		var err error
		ip, err = e.alloc.NextFree(now)
		if errors.Is(err, allocator.ErrPoolExhausted) {
			// Stay silent on exhaustion; the client will retry and another
			// lease may have expired by then.
			log.Warn("pool exhausted, ignoring DISCOVER")
			return nil, nil
		} else if err != nil {
			return nil, err
		}
	}

	cp := e.alloc.Checkpoint(ip)
	if err := e.alloc.MarkOffered(ip, client, now); err != nil {
		log.Warn("cannot offer address", logger.KeyIP, ip.String(), "error", err)
		return nil, nil
	}

	lease := domain.Lease{
		ClientID:  client.ID,
		MAC:       client.MAC,
		IPAddress: ip.String(),
		State:     domain.StateOffered,
		StartTime: now,
		Duration:  e.offerTTL,
		XID:       msg.XID,
	}
	if err := e.persist(ctx, lease); err != nil {
		// Restore the pre-offer entry so pool and store stay in step;
		// the client will retransmit.
		e.alloc.Rollback(cp)
		log.Error("failed to persist offer, dropping", "error", err)
		return nil, nil
	}

	log.Info("offering address", logger.KeyIP, ip.String())
	reply := e.buildReply(msg, dhcp.Offer, ip, true)
	return &Response{Message: reply, Addr: dhcp.ReplyAddress(msg, reply)}, nil
}

// handleRequest dispatches on the derived RequestKind per the §4.3.2 table.
func (e *Engine) handleRequest(ctx context.Context, msg *dhcp.Message, client domain.Identity, log *slog.Logger) (*Response, error) {
	kind := classifyRequest(msg, e.serverIP)
	log = log.With("kind", kind.String())

	switch kind {
	case KindSelectingOther:
		// The client chose another server; forget any pending offer.
		e.forgetOffer(ctx, client)
		return nil, nil

	case KindSelecting:
		requested, ok := msg.RequestedIP()
		if !ok {
			log.Debug("SELECTING request without requested IP")
			return e.nak(msg, log), nil
		}
		return e.confirm(ctx, msg, client, requested, kind, log)

	case KindInitReboot:
		requested, _ := msg.RequestedIP()
		if !e.sameSubnet(requested) {
			log.Info("requested address on wrong subnet", logger.KeyIP, requested.String())
			return e.nak(msg, log), nil
		}
		return e.confirm(ctx, msg, client, requested, kind, log)

	case KindRenewing:
		return e.confirm(ctx, msg, client, msg.CIAddr, kind, log)

	default:
		log.Debug("unclassifiable REQUEST")
		return nil, nil
	}
}

// confirm validates that the client may hold ip and transitions the lease
// to BOUND with a fresh full duration. What counts as confirmable depends
// on the request kind: SELECTING and INIT-REBOOT accept a still-pending
// OFFERED lease, renewal requires an existing BOUND one.
func (e *Engine) confirm(ctx context.Context, msg *dhcp.Message, client domain.Identity, ip net.IP, kind RequestKind, log *slog.Logger) (*Response, error) {
	if ip == nil || ip.IsUnspecified() {
		return e.nak(msg, log), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	lease, err := e.store.Get(ctx, client.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// No lease on record. A reservation is still bindable.
		if reserved, ok := e.alloc.Reserve(client.MAC); ok && reserved.Equal(ip) {
			return e.bind(ctx, msg, client, ip, log)
		}
		log.Info("no lease on record", logger.KeyIP, ip.String())
		return e.nak(msg, log), nil
	case err != nil:
		return nil, fmt.Errorf("lease lookup failed: %w", err)
	}

	if lease.IPAddress != ip.String() {
		log.Info("requested address does not match lease",
			logger.KeyIP, ip.String(), "lease_ip", lease.IPAddress)
		return e.nak(msg, log), nil
	}

	switch lease.State {
	case domain.StateBound:
		// Re-binding an already bound lease is idempotent renewal.
	case domain.StateOffered:
		if kind == KindRenewing {
			log.Info("renewal against unconfirmed offer", logger.KeyIP, ip.String())
			return e.nak(msg, log), nil
		}
		if now.After(lease.StartTime.Add(e.offerTTL)) {
			log.Info("offer expired before confirmation", logger.KeyIP, ip.String())
			return e.nak(msg, log), nil
		}
	default:
		log.Info("lease not confirmable", "state", string(lease.State))
		return e.nak(msg, log), nil
	}

	return e.bind(ctx, msg, client, ip, log)
}

// bind commits ip to the client: allocator first for conflict detection,
// store for durability, with rollback if persistence fails twice.
// Callers hold e.mu.
func (e *Engine) bind(ctx context.Context, msg *dhcp.Message, client domain.Identity, ip net.IP, log *slog.Logger) (*Response, error) {
	now := e.now()

	prev, prevErr := e.store.GetByIP(ctx, ip.String())
	if prevErr == nil && prev.ClientID != client.ID && prev.State == domain.StateBound && !prev.ExpiredAt(now) {
		// The store, not the allocator cache, is the truth: someone else
		// holds this address.
		log.Warn("address bound to another client", logger.KeyIP, ip.String(),
			logger.KeyClientID, prev.ClientID, "error", ErrLeaseMismatch)
		return e.nak(msg, log), nil
	}

	cp := e.alloc.Checkpoint(ip)
	if err := e.alloc.MarkBound(ip, client); err != nil {
		if errors.Is(err, allocator.ErrAddressConflict) && prevErr == nil && prev.ClientID == client.ID {
			// Allocator cache disagrees with the store; correct the cache.
			e.alloc.MarkReleased(ip)
			if err := e.alloc.MarkBound(ip, client); err != nil {
				return nil, err
			}
		} else {
			log.Warn("cannot bind address", logger.KeyIP, ip.String(), "error", err)
			return e.nak(msg, log), nil
		}
	}

	lease := domain.Lease{
		ClientID:  client.ID,
		MAC:       client.MAC,
		IPAddress: ip.String(),
		State:     domain.StateBound,
		StartTime: now,
		Duration:  e.leaseTime,
		XID:       msg.XID,
	}
	if err := e.persist(ctx, lease); err != nil {
		// A renewal must fall back to the still-valid binding and a fresh
		// confirm to the pending offer, never to FREE; freeing here would
		// let the address be offered out from under the store's record.
		e.alloc.Rollback(cp)
		log.Error("failed to persist binding, dropping", "error", err)
		return nil, nil
	}

	log.Info("acknowledged lease", logger.KeyIP, ip.String(),
		"expires", lease.Expiry().Format(time.RFC3339))
	reply := e.buildReply(msg, dhcp.Ack, ip, true)
	return &Response{Message: reply, Addr: dhcp.ReplyAddress(msg, reply)}, nil
}

// handleDecline quarantines an address the client reports as in use.
func (e *Engine) handleDecline(ctx context.Context, msg *dhcp.Message, client domain.Identity, log *slog.Logger) error {
	declined, ok := msg.RequestedIP()
	if !ok {
		log.Debug("DECLINE without address, ignoring")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.removeWithRetry(ctx, client.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to remove declined lease: %w", err)
	}
	e.alloc.MarkExpired(declined)
	if err := e.alloc.Exclude(declined); err != nil {
		return err
	}

	log.Warn("address declined by client, excluded pending review", logger.KeyIP, declined.String())
	return nil
}

// handleRelease returns the client's bound address to the pool.
func (e *Engine) handleRelease(ctx context.Context, msg *dhcp.Message, client domain.Identity, log *slog.Logger) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lease, err := e.store.Get(ctx, client.ID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("RELEASE for unknown lease, ignoring")
		return nil
	} else if err != nil {
		return fmt.Errorf("lease lookup failed: %w", err)
	}

	if err := e.removeWithRetry(ctx, client.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to remove released lease: %w", err)
	}
	e.alloc.MarkReleased(net.ParseIP(lease.IPAddress))

	log.Info("released lease", logger.KeyIP, lease.IPAddress)
	return nil
}

// handleInform returns configuration options without touching lease state.
func (e *Engine) handleInform(msg *dhcp.Message, log *slog.Logger) (*Response, error) {
	reply := e.buildReply(msg, dhcp.Ack, nil, false)
	reply.CIAddr = msg.CIAddr

	log.Info("answered INFORM")
	return &Response{Message: reply, Addr: dhcp.ReplyAddress(msg, reply)}, nil
}

// forgetOffer drops any pending offer after the client picked another
// server.
func (e *Engine) forgetOffer(ctx context.Context, client domain.Identity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lease, err := e.store.Get(ctx, client.ID)
	if err != nil || lease.State != domain.StateOffered {
		return
	}
	if err := e.removeWithRetry(ctx, client.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return
	}
	e.alloc.MarkReleased(net.ParseIP(lease.IPAddress))
}

// nak builds a NAK reply. NAKs are always broadcast; ReplyAddress enforces
// that from the message type.
func (e *Engine) nak(msg *dhcp.Message, log *slog.Logger) *Response {
	reply := &dhcp.Message{
		Op:     dhcp.BootReply,
		HType:  msg.HType,
		HLen:   msg.HLen,
		XID:    msg.XID,
		Flags:  msg.Flags,
		CIAddr: unspecified(),
		YIAddr: unspecified(),
		SIAddr: unspecified(),
		GIAddr: copyIP(msg.GIAddr),
		CHAddr: msg.CHAddr,
	}
	reply.Options = reply.Options.
		AddMessageType(dhcp.Nak).
		AddIP(dhcp.OptServerIdentifier, e.serverIP)

	log.Info("sending NAK")
	return &Response{Message: reply, Addr: dhcp.ReplyAddress(msg, reply)}
}

// buildReply assembles an OFFER or ACK with the standard option set.
// withLease controls whether yiaddr and the lease time option are included
// (INFORM replies carry configuration only).
func (e *Engine) buildReply(msg *dhcp.Message, t dhcp.MessageType, yiaddr net.IP, withLease bool) *dhcp.Message {
	reply := &dhcp.Message{
		Op:     dhcp.BootReply,
		HType:  msg.HType,
		HLen:   msg.HLen,
		XID:    msg.XID,
		Flags:  msg.Flags,
		CIAddr: unspecified(),
		YIAddr: unspecified(),
		SIAddr: copyIP(e.serverIP),
		GIAddr: copyIP(msg.GIAddr),
		CHAddr: msg.CHAddr,
	}
	if withLease && yiaddr != nil {
		reply.YIAddr = yiaddr.To4()
	}

	opts := dhcp.Options{}.
		AddMessageType(t).
		AddIP(dhcp.OptServerIdentifier, e.serverIP)
	if withLease {
		opts = opts.AddDuration(dhcp.OptIPAddressLeaseTime, e.leaseTime)
	}
	opts = opts.
		AddIP(dhcp.OptSubnetMask, net.IP(e.subnetMask)).
		AddIP(dhcp.OptRouter, e.gateway).
		AddIPs(dhcp.OptDNSServer, e.dnsServers)
	reply.Options = opts

	return reply
}

// persist writes a lease with a single local retry. The sqlite write either
// lands or it does not; a second failure aborts the transaction so the
// caller can roll the allocator back.
func (e *Engine) persist(ctx context.Context, lease domain.Lease) error {
	if err := e.store.Upsert(ctx, lease); err == nil {
		return nil
	}
	return e.store.Upsert(ctx, lease)
}

func (e *Engine) removeWithRetry(ctx context.Context, clientID string) error {
	err := e.store.Remove(ctx, clientID)
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return e.store.Remove(ctx, clientID)
}

func (e *Engine) sameSubnet(ip net.IP) bool {
	if ip == nil {
		return false
	}
	network := e.serverIP.Mask(e.subnetMask)
	return ip.Mask(e.subnetMask).Equal(network)
}

func unspecified() net.IP {
	return net.IPv4zero.To4()
}

func copyIP(ip net.IP) net.IP {
	if ip == nil {
		return unspecified()
	}
	return ip.To4()
}
