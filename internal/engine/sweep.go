package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jbweber/homelab/hearth/internal/logger"
	"github.com/jbweber/homelab/hearth/internal/repository"
)

// Sweep reclaims every lease past its expiry: timed-out offers and expired
// bindings both return to FREE. It returns how many leases were reclaimed.
// Expired leases are removed from the store, so a rerun only finds leases
// that expired since.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	expired, err := e.store.ScanExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, lease := range expired {
		if err := e.removeWithRetry(ctx, lease.ClientID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			// Leave the lease for the next sweep rather than let the pool
			// view run ahead of the store.
			e.log.Error("failed to remove expired lease",
				logger.KeyClientID, lease.ClientID, "error", err)
			continue
		}
		e.alloc.MarkExpired(parseLeaseIP(lease.IPAddress))
		reclaimed++
		e.log.Info("reclaimed expired lease",
			logger.KeyClientID, lease.ClientID,
			logger.KeyIP, lease.IPAddress,
			"state", string(lease.State))
	}

	return reclaimed, nil
}

// RunSweeper runs Sweep on a fixed interval until the context is canceled.
// It runs outside the request path; request handling only contends with it
// for the engine lock, never waits on its timer.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Error("expiry sweep failed", "error", err)
			}
		}
	}
}
