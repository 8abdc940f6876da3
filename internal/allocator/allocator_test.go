package allocator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/hearth/internal/domain"
)

var (
	clientA = domain.Identity{ID: "aa:aa:aa:aa:aa:aa", MAC: "aa:aa:aa:aa:aa:aa"}
	clientB = domain.Identity{ID: "bb:bb:bb:bb:bb:bb", MAC: "bb:bb:bb:bb:bb:bb"}
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.20"), 30*time.Second)
	require.NoError(t, err)
	return a
}

func TestNew_InvalidRange(t *testing.T) {
	_, err := New(net.ParseIP("10.0.0.20"), net.ParseIP("10.0.0.10"), time.Second)
	assert.Error(t, err)
}

func TestNextFree_AllocatesSequentially(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()

	first, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", first.String())
	require.NoError(t, a.MarkOffered(first, clientA, now))

	second, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.11", second.String())
}

func TestNextFree_SkipsOfferedAndBound(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()

	require.NoError(t, a.MarkOffered(net.ParseIP("10.0.0.10"), clientA, now))
	require.NoError(t, a.MarkBound(net.ParseIP("10.0.0.11"), clientB))

	ip, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.12", ip.String())
}

func TestNextFree_WrapsOnce(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()

	// Walk the cursor to the end of the range without claiming anything.
	for i := 0; i < 11; i++ {
		_, err := a.NextFree(now)
		require.NoError(t, err)
	}

	ip, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", ip.String())
}

func TestNextFree_Exhausted(t *testing.T) {
	a, err := New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.11"), 30*time.Second)
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, a.MarkBound(net.ParseIP("10.0.0.10"), clientA))
	require.NoError(t, a.MarkBound(net.ParseIP("10.0.0.11"), clientB))

	_, err = a.NextFree(now)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestNextFree_ReclaimsExpiredOffer(t *testing.T) {
	a, err := New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.10"), 30*time.Second)
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, a.MarkOffered(net.ParseIP("10.0.0.10"), clientA, now))

	_, err = a.NextFree(now)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	ip, err := a.NextFree(now.Add(31 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.10", ip.String())
}

func TestMarkOffered_FirstOfferWins(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()
	ip := net.ParseIP("10.0.0.10")

	require.NoError(t, a.MarkOffered(ip, clientA, now))

	err := a.MarkOffered(ip, clientB, now)
	assert.ErrorIs(t, err, ErrAddressConflict)

	// The same client may refresh its own pending offer.
	assert.NoError(t, a.MarkOffered(ip, clientA, now.Add(time.Second)))
}

func TestMarkOffered_TakesOverExpiredOffer(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()
	ip := net.ParseIP("10.0.0.10")

	require.NoError(t, a.MarkOffered(ip, clientA, now))
	assert.NoError(t, a.MarkOffered(ip, clientB, now.Add(31*time.Second)))
}

func TestMarkBound_RejectsOtherClientsAddress(t *testing.T) {
	a := newTestAllocator(t)
	ip := net.ParseIP("10.0.0.10")

	require.NoError(t, a.MarkBound(ip, clientA))
	assert.ErrorIs(t, a.MarkBound(ip, clientB), ErrAddressConflict)

	// Idempotent for the holder.
	assert.NoError(t, a.MarkBound(ip, clientA))
}

func TestMarkBound_OutOfRange(t *testing.T) {
	a := newTestAllocator(t)
	assert.ErrorIs(t, a.MarkBound(net.ParseIP("10.0.0.99"), clientA), ErrOutOfRange)
}

func TestReservation_Precedence(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()

	// Reserved address outside the pool range.
	require.NoError(t, a.AddReservation(clientA.MAC, net.ParseIP("10.0.0.5")))

	ip, ok := a.Reserve(clientA.MAC)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", ip.String())

	require.NoError(t, a.MarkOffered(ip, clientA, now))
	require.NoError(t, a.MarkBound(ip, clientA))

	// Nobody else can touch it.
	assert.ErrorIs(t, a.MarkBound(ip, clientB), ErrAddressConflict)
}

func TestReservation_InsidePoolSkippedByScan(t *testing.T) {
	a, err := New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.11"), 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, a.AddReservation(clientA.MAC, net.ParseIP("10.0.0.10")))
	now := time.Now()

	ip, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.11", ip.String())

	require.NoError(t, a.MarkBound(ip, clientB))
	_, err = a.NextFree(now)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestReservation_DuplicateIPRejected(t *testing.T) {
	a := newTestAllocator(t)
	require.NoError(t, a.AddReservation(clientA.MAC, net.ParseIP("10.0.0.5")))
	assert.Error(t, a.AddReservation(clientB.MAC, net.ParseIP("10.0.0.5")))
}

func TestExclude_NeverAllocated(t *testing.T) {
	a, err := New(net.ParseIP("10.0.0.10"), net.ParseIP("10.0.0.11"), 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, a.Exclude(net.ParseIP("10.0.0.10")))
	now := time.Now()

	ip, err := a.NextFree(now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.11", ip.String())

	assert.ErrorIs(t, a.MarkOffered(net.ParseIP("10.0.0.10"), clientA, now), ErrAddressConflict)
}

func TestMarkReleased_ReturnsToFree(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()
	ip := net.ParseIP("10.0.0.10")

	require.NoError(t, a.MarkBound(ip, clientA))
	assert.False(t, a.Available(ip, now))

	a.MarkReleased(ip)
	assert.True(t, a.Available(ip, now))
}

func TestCheckpointRollback_RestoresPriorEntry(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()
	ip := net.ParseIP("10.0.0.10")

	require.NoError(t, a.MarkBound(ip, clientA))

	cp := a.Checkpoint(ip)
	require.NoError(t, a.MarkBound(ip, clientA))
	a.Rollback(cp)

	// Still bound to the original holder, not freed.
	assert.False(t, a.Available(ip, now))
	assert.ErrorIs(t, a.MarkBound(ip, clientB), ErrAddressConflict)
}

func TestCheckpointRollback_FreesFreshEntry(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()
	ip := net.ParseIP("10.0.0.10")

	cp := a.Checkpoint(ip)
	require.NoError(t, a.MarkOffered(ip, clientA, now))
	a.Rollback(cp)

	assert.True(t, a.Available(ip, now))
}

func TestCounts_Conservation(t *testing.T) {
	a := newTestAllocator(t) // 11 addresses
	now := time.Now()

	require.NoError(t, a.Exclude(net.ParseIP("10.0.0.20")))
	require.NoError(t, a.AddReservation(clientA.MAC, net.ParseIP("10.0.0.19")))
	require.NoError(t, a.MarkOffered(net.ParseIP("10.0.0.10"), clientA, now))
	require.NoError(t, a.MarkBound(net.ParseIP("10.0.0.11"), clientB))

	c := a.Counts()
	assert.Equal(t, 11, c.Total)
	assert.Equal(t, 1, c.Excluded)
	assert.Equal(t, 1, c.Reserved)
	assert.Equal(t, 1, c.Offered)
	assert.Equal(t, 1, c.Bound)
	assert.Equal(t, 7, c.Free)
	assert.Equal(t, c.Total, c.Free+c.Offered+c.Bound+c.Excluded+c.Reserved)
}

func TestRebuild_RestoresFromPersistedLeases(t *testing.T) {
	a := newTestAllocator(t)
	now := time.Now()

	leases := []domain.Lease{
		{ClientID: clientA.ID, IPAddress: "10.0.0.10", State: domain.StateBound, StartTime: now, Duration: time.Hour},
		{ClientID: clientB.ID, IPAddress: "10.0.0.11", State: domain.StateOffered, StartTime: now},
		{ClientID: "cc", IPAddress: "10.0.0.12", State: domain.StateOffered, StartTime: now.Add(-time.Minute)},
	}
	require.NoError(t, a.Rebuild(leases, now))

	assert.False(t, a.Available(net.ParseIP("10.0.0.10"), now))
	assert.False(t, a.Available(net.ParseIP("10.0.0.11"), now))
	// Stale offer dropped during rebuild.
	assert.True(t, a.Available(net.ParseIP("10.0.0.12"), now))
}

func TestRebuild_InvalidAddressFails(t *testing.T) {
	a := newTestAllocator(t)
	err := a.Rebuild([]domain.Lease{{ClientID: "x", IPAddress: "not-an-ip", State: domain.StateBound}}, time.Now())
	assert.Error(t, err)
}
