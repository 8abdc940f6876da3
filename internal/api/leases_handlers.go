package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/hearth/internal/domain"
	"github.com/jbweber/homelab/hearth/internal/repository"
)

// LeaseResponse is the wire form of a lease record
type LeaseResponse struct {
	ClientID  string    `json:"client_id"`
	MAC       string    `json:"mac"`
	IPAddress string    `json:"ip_address"`
	State     string    `json:"state"`
	StartTime time.Time `json:"start_time"`
	ExpiresAt time.Time `json:"expires_at"`
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse{
		ClientID:  l.ClientID,
		MAC:       l.MAC,
		IPAddress: l.IPAddress,
		State:     string(l.State),
		StartTime: l.StartTime,
		ExpiresAt: l.Expiry(),
	}
}

// ListLeasesHandler returns every lease in the store
func (a *API) ListLeasesHandler(w http.ResponseWriter, r *http.Request) {
	leases, err := a.engine.Leases(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "Failed to list leases")
		a.log.Error("failed to list leases", "error", err)
		return
	}

	response := make([]LeaseResponse, len(leases))
	for i, lease := range leases {
		response[i] = leaseResponse(lease)
	}

	a.writeJSON(w, http.StatusOK, response)
}

// GetLeaseHandler returns the lease for a client identity
func (a *API) GetLeaseHandler(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	lease, err := a.engine.Lease(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Lease not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to get lease")
		a.log.Error("failed to get lease", "client_id", clientID, "error", err)
		return
	}

	a.writeJSON(w, http.StatusOK, leaseResponse(lease))
}

// GetLeaseByIPHandler returns the lease holding an IP address
func (a *API) GetLeaseByIPHandler(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		a.writeError(w, http.StatusBadRequest, "Invalid IP address")
		return
	}

	lease, err := a.engine.LeaseByIP(r.Context(), ip)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Lease not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to get lease")
		a.log.Error("failed to get lease by ip", "ip", ip, "error", err)
		return
	}

	a.writeJSON(w, http.StatusOK, leaseResponse(lease))
}

// ReleaseLeaseHandler force-releases a client's lease
func (a *API) ReleaseLeaseHandler(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	lease, err := a.engine.AdminRelease(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "Lease not found")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "Failed to release lease")
		a.log.Error("failed to release lease", "client_id", clientID, "error", err)
		return
	}

	a.writeJSON(w, http.StatusOK, leaseResponse(lease))
}

// StatsHandler returns pool accounting
func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.engine.Stats())
}
