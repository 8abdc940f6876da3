package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jbweber/homelab/hearth/internal/domain"
)

const leaseColumns = "client_id, mac, ip_address, state, start_time, duration_seconds, xid"

// leaseRepositoryImpl implements LeaseRepository on sqlite
type leaseRepositoryImpl struct {
	db    *sql.DB
	stmts *PreparedStatementCache
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(db *sql.DB) LeaseRepository {
	return &leaseRepositoryImpl{
		db:    db,
		stmts: NewPreparedStatementCache(db),
	}
}

// Get retrieves the lease for a client identity
func (r *leaseRepositoryImpl) Get(ctx context.Context, clientID string) (domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE client_id = ?`

	stmt, err := r.stmts.Get(query)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("failed to prepare lease query: %w", err)
	}

	lease, err := scanLease(stmt.QueryRowContext(ctx, clientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, ErrNotFound
		}
		return domain.Lease{}, fmt.Errorf("failed to find lease: %w", err)
	}
	return lease, nil
}

// GetByIP retrieves the lease holding an IP address
func (r *leaseRepositoryImpl) GetByIP(ctx context.Context, ip string) (domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE ip_address = ?`

	stmt, err := r.stmts.Get(query)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("failed to prepare lease query: %w", err)
	}

	lease, err := scanLease(stmt.QueryRowContext(ctx, ip))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, ErrNotFound
		}
		return domain.Lease{}, fmt.Errorf("failed to find lease by address: %w", err)
	}
	return lease, nil
}

// Upsert creates or replaces the lease for a client in one transaction.
func (r *leaseRepositoryImpl) Upsert(ctx context.Context, lease domain.Lease) error {
	if lease.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if net.ParseIP(lease.IPAddress) == nil {
		return fmt.Errorf("invalid IP address format: %s", lease.IPAddress)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lease upsert: %w", err)
	}
	defer tx.Rollback()

	// A reclaimed address may still have a stale row from its previous
	// holder (e.g. a timed-out offer). Displace it inside the same
	// transaction so the unique ip_address constraint holds throughout.
	// Only rows already past their expiry are displaced; a live record
	// under another client makes the insert fail on the constraint instead
	// of silently destroying that client's lease.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM leases WHERE ip_address = ? AND client_id != ? AND start_time + duration_seconds <= ?`,
		lease.IPAddress, lease.ClientID, lease.StartTime.Unix()); err != nil {
		return fmt.Errorf("failed to displace stale lease: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (client_id, mac, ip_address, state, start_time, duration_seconds, xid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			mac = excluded.mac,
			ip_address = excluded.ip_address,
			state = excluded.state,
			start_time = excluded.start_time,
			duration_seconds = excluded.duration_seconds,
			xid = excluded.xid,
			updated_at = CURRENT_TIMESTAMP`,
		lease.ClientID, lease.MAC, lease.IPAddress, string(lease.State),
		lease.StartTime.Unix(), int64(lease.Duration/time.Second), int64(lease.XID))
	if err != nil {
		return fmt.Errorf("failed to upsert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease upsert: %w", err)
	}
	return nil
}

// Remove deletes the lease for a client identity
func (r *leaseRepositoryImpl) Remove(ctx context.Context, clientID string) error {
	stmt, err := r.stmts.Get(`DELETE FROM leases WHERE client_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare lease delete: %w", err)
	}

	result, err := stmt.ExecContext(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ScanExpired returns leases whose expiry is at or before now
func (r *leaseRepositoryImpl) ScanExpired(ctx context.Context, now time.Time) ([]domain.Lease, error) {
	query := `
		SELECT ` + leaseColumns + `
		FROM leases
		WHERE start_time + duration_seconds <= ?
		ORDER BY start_time`

	rows, err := r.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

// FindAll returns every persisted lease
func (r *leaseRepositoryImpl) FindAll(ctx context.Context) ([]domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases ORDER BY ip_address`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find leases: %w", err)
	}
	defer rows.Close()

	return collectLeases(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (domain.Lease, error) {
	var lease domain.Lease
	var state string
	var startUnix, durationSecs, xid int64

	err := row.Scan(&lease.ClientID, &lease.MAC, &lease.IPAddress, &state, &startUnix, &durationSecs, &xid)
	if err != nil {
		return domain.Lease{}, err
	}

	lease.State = domain.LeaseState(state)
	lease.StartTime = time.Unix(startUnix, 0)
	lease.Duration = time.Duration(durationSecs) * time.Second
	lease.XID = uint32(xid)

	switch lease.State {
	case domain.StateOffered, domain.StateBound, domain.StateReleased, domain.StateExpired:
	default:
		return domain.Lease{}, fmt.Errorf("%w: unknown lease state %q for %s", ErrCorruptStore, state, lease.ClientID)
	}

	return lease, nil
}

func collectLeases(rows *sql.Rows) ([]domain.Lease, error) {
	var leases []domain.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate leases: %w", err)
	}
	return leases, nil
}
