package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/hearth/internal/allocator"
	"github.com/jbweber/homelab/hearth/internal/config"
	"github.com/jbweber/homelab/hearth/internal/domain"
	"github.com/jbweber/homelab/hearth/internal/engine"
	"github.com/jbweber/homelab/hearth/internal/repository"
	"github.com/jbweber/homelab/hearth/internal/testutil"
)

func setupAPI(t *testing.T, name string, leases ...domain.Lease) http.Handler {
	t.Helper()

	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	t.Cleanup(cleanup)
	store := repository.NewLeaseRepository(db)

	ctx := context.Background()
	for _, lease := range leases {
		require.NoError(t, store.Upsert(ctx, lease))
	}

	alloc, err := allocator.New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.20"), 30*time.Second)
	require.NoError(t, err)

	cfg := &config.Config{
		ServerIP:    "10.0.0.1",
		SubnetMask:  "255.255.255.0",
		Gateway:     "10.0.0.1",
		DNSServers:  []string{"1.1.1.1"},
		IPPoolStart: "10.0.0.10",
		IPPoolEnd:   "10.0.0.20",
		LeaseTime:   3600,
		OfferTTL:    30,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, alloc, store, log)
	require.NoError(t, err)
	require.NoError(t, eng.Bootstrap(ctx))

	router := chi.NewRouter()
	NewAPI(eng, log).RegisterRoutes(router)
	return router
}

func boundLease(clientID, ip string) domain.Lease {
	return domain.Lease{
		ClientID:  clientID,
		MAC:       "aa:bb:cc:dd:ee:ff",
		IPAddress: ip,
		State:     domain.StateBound,
		StartTime: time.Now().Truncate(time.Second),
		Duration:  time.Hour,
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListLeases(t *testing.T) {
	handler := setupAPI(t, "TestListLeases",
		boundLease("client-a", "10.0.0.10"),
		boundLease("client-b", "10.0.0.11"))

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases")
	require.Equal(t, http.StatusOK, rec.Code)

	var leases []LeaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &leases))
	require.Len(t, leases, 2)
	assert.Equal(t, "10.0.0.10", leases[0].IPAddress)
	assert.Equal(t, "BOUND", leases[0].State)
}

func TestListLeases_Empty(t *testing.T) {
	handler := setupAPI(t, "TestListLeases_Empty")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetLease(t *testing.T) {
	handler := setupAPI(t, "TestGetLease", boundLease("client-a", "10.0.0.10"))

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases/client-a")
	require.Equal(t, http.StatusOK, rec.Code)

	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lease))
	assert.Equal(t, "client-a", lease.ClientID)
	assert.Equal(t, lease.StartTime.Add(time.Hour), lease.ExpiresAt)
}

func TestGetLease_NotFound(t *testing.T) {
	handler := setupAPI(t, "TestGetLease_NotFound")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLeaseByIP(t *testing.T) {
	handler := setupAPI(t, "TestGetLeaseByIP", boundLease("client-a", "10.0.0.10"))

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases/ip/10.0.0.10")
	require.Equal(t, http.StatusOK, rec.Code)

	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lease))
	assert.Equal(t, "client-a", lease.ClientID)
}

func TestGetLeaseByIP_InvalidAddress(t *testing.T) {
	handler := setupAPI(t, "TestGetLeaseByIP_InvalidAddress")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases/ip/not-an-ip")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLeaseByIP_NotFound(t *testing.T) {
	handler := setupAPI(t, "TestGetLeaseByIP_NotFound")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/leases/ip/10.0.0.99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseLease(t *testing.T) {
	handler := setupAPI(t, "TestReleaseLease", boundLease("client-a", "10.0.0.10"))

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/leases/client-a/release")
	require.Equal(t, http.StatusOK, rec.Code)

	var lease LeaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lease))
	assert.Equal(t, "10.0.0.10", lease.IPAddress)

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/leases/client-a")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseLease_NotFound(t *testing.T) {
	handler := setupAPI(t, "TestReleaseLease_NotFound")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/leases/nobody/release")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	handler := setupAPI(t, "TestStats", boundLease("client-a", "10.0.0.10"))

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var counts allocator.Counts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 11, counts.Total)
	assert.Equal(t, 1, counts.Bound)
	assert.Equal(t, 10, counts.Free)
}

func TestHealthz(t *testing.T) {
	handler := setupAPI(t, "TestHealthz")

	rec := doRequest(t, handler, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
