// Package repository persists lease records. The sqlite database, running
// in WAL mode, is the authoritative record of lease state: the allocator's
// in-memory view is rebuilt from it at startup, and every state transition
// is written here before it is considered committed.
package repository

import (
	"context"
	"time"

	"github.com/jbweber/homelab/hearth/internal/domain"
)

// LeaseRepository is the durable lease store. Upsert and Remove are atomic
// per call: a crash mid-write leaves either the old or the new record,
// never a partial one.
type LeaseRepository interface {
	// Get retrieves the lease for a client identity.
	// Returns ErrNotFound if the client has no lease.
	Get(ctx context.Context, clientID string) (domain.Lease, error)

	// GetByIP retrieves the lease holding an IP address.
	// Returns ErrNotFound if no lease holds it.
	GetByIP(ctx context.Context, ip string) (domain.Lease, error)

	// Upsert creates or replaces the lease keyed by its client identity.
	Upsert(ctx context.Context, lease domain.Lease) error

	// Remove deletes the lease for a client identity.
	// Returns ErrNotFound if the client has no lease.
	Remove(ctx context.Context, clientID string) error

	// ScanExpired returns leases whose expiry is at or before now. Expired
	// leases are removed by the caller, so re-running the scan yields only
	// newly expired leases.
	ScanExpired(ctx context.Context, now time.Time) ([]domain.Lease, error)

	// FindAll returns every persisted lease.
	FindAll(ctx context.Context) ([]domain.Lease, error)
}
