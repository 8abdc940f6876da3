// Package api is the management surface: read-only views of the lease table
// plus the force-release operation. It never mutates lease state except
// through the engine's AdminRelease.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/hearth/internal/engine"
)

// API holds the engine dependency for the lease handlers
type API struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewAPI creates a new API instance
func NewAPI(eng *engine.Engine, log *slog.Logger) *API {
	return &API{engine: eng, log: log}
}

// RegisterRoutes registers all API routes with the provided router
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/leases", a.ListLeasesHandler)
		r.Get("/leases/ip/{ip}", a.GetLeaseByIPHandler)
		r.Get("/leases/{clientID}", a.GetLeaseHandler)
		r.Post("/leases/{clientID}/release", a.ReleaseLeaseHandler)
		r.Get("/stats", a.StatsHandler)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			a.log.Error("failed to write health response", "error", err)
		}
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, ErrorResponse{Error: message})
}
