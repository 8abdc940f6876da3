package engine

import (
	"context"
	"fmt"
	"net"

	"github.com/jbweber/homelab/hearth/internal/allocator"
	"github.com/jbweber/homelab/hearth/internal/domain"
	"github.com/jbweber/homelab/hearth/internal/logger"
)

// AdminRelease force-releases a client's lease. This is the only mutation
// the management surface may perform; it goes through the same critical
// section as protocol traffic.
func (e *Engine) AdminRelease(ctx context.Context, clientID string) (domain.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lease, err := e.store.Get(ctx, clientID)
	if err != nil {
		return domain.Lease{}, err
	}

	if err := e.removeWithRetry(ctx, clientID); err != nil {
		return domain.Lease{}, fmt.Errorf("failed to remove lease: %w", err)
	}
	e.alloc.MarkReleased(parseLeaseIP(lease.IPAddress))

	e.log.Info("lease force-released",
		logger.KeyClientID, clientID, logger.KeyIP, lease.IPAddress)
	return lease, nil
}

// Leases lists every persisted lease for the management surface.
func (e *Engine) Leases(ctx context.Context) ([]domain.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.FindAll(ctx)
}

// Lease returns one client's lease.
func (e *Engine) Lease(ctx context.Context, clientID string) (domain.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(ctx, clientID)
}

// LeaseByIP returns the lease holding an address.
func (e *Engine) LeaseByIP(ctx context.Context, ip string) (domain.Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.GetByIP(ctx, ip)
}

// Stats returns a snapshot of pool accounting.
func (e *Engine) Stats() allocator.Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.Counts()
}

// parseLeaseIP parses an address that already passed validation on the way
// into the store.
func parseLeaseIP(s string) net.IP {
	return net.ParseIP(s)
}
