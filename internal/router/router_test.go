package router

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGSRegistrationRoundTrip(t *testing.T) {
	r := New(nil)
	h := NewHandle()
	key, ok := r.RegisterGS(h, net.ParseIP("::"), 4096)
	require.True(t, ok)
	assert.Equal(t, 1, r.RegistrySize())

	// Duplicate registration is rejected without replacing the entry.
	h2 := NewHandle()
	_, ok2 := r.RegisterGS(h2, net.ParseIP("::"), 4096)
	assert.False(t, ok2)
	assert.Equal(t, 1, r.RegistrySize())

	resolved, ok := r.HandleForKey(key)
	assert.True(t, ok)
	assert.Equal(t, h, resolved)
}

func TestOccupancyRejectsUnknownGS(t *testing.T) {
	r := New(nil)
	err := r.UpdateOccupancy(NewHandle(), 5)
	require.Error(t, err)
	_, ok := err.(*OwnershipError)
	assert.True(t, ok)
}

func TestLoadBalancingRoutesToLeastLoaded(t *testing.T) {
	r := New(nil)
	h1 := NewHandle()
	h2 := NewHandle()
	key1, _ := r.RegisterGS(h1, net.ParseIP("::1"), 1000)
	key2, _ := r.RegisterGS(h2, net.ParseIP("::2"), 2000)
	require.NoError(t, r.UpdateOccupancy(h1, 2))
	require.NoError(t, r.UpdateOccupancy(h2, 5))

	best, handle, err := r.SelectLeastLoaded()
	require.NoError(t, err)
	assert.Equal(t, key1, best)
	assert.Equal(t, h1, handle)

	// After key1 reports occupancy 6, routing should move to key2.
	require.NoError(t, r.UpdateOccupancy(h1, 6))
	best2, _, err := r.SelectLeastLoaded()
	require.NoError(t, err)
	assert.Equal(t, key2, best2)
}

func TestSelectLeastLoadedEmptyRegistry(t *testing.T) {
	r := New(nil)
	_, _, err := r.SelectLeastLoaded()
	assert.ErrorIs(t, err, ErrRegistryEmpty)
}

func TestPendingCreateConsumedOnce(t *testing.T) {
	r := New(nil)
	gsHandle := NewHandle()
	clientHandle := NewHandle()
	r.RecordPendingCreate(gsHandle, clientHandle, 1)

	pc, ok := r.TakePendingCreate(gsHandle)
	require.True(t, ok)
	assert.Equal(t, clientHandle, pc.ClientHandle)

	_, ok2 := r.TakePendingCreate(gsHandle)
	assert.False(t, ok2)
}

func TestRemoveGSPurgesGameRoutes(t *testing.T) {
	r := New(nil)
	h := NewHandle()
	key, _ := r.RegisterGS(h, net.ParseIP("::"), 4096)
	r.RecordGameRoute(42, key)

	r.RemoveGS(h)
	assert.Equal(t, 0, r.RegistrySize())
	_, ok := r.RouteForGame(42)
	assert.False(t, ok, "game_to_gs entries must be purged when their owning GS is lost")
}

func TestGameEndRejectsNonOwner(t *testing.T) {
	r := New(nil)
	h1 := NewHandle()
	h2 := NewHandle()
	key1, _ := r.RegisterGS(h1, net.ParseIP("::1"), 1000)
	_, _ = r.RegisterGS(h2, net.ParseIP("::2"), 2000)
	r.RecordGameRoute(1, key1)

	err := r.EndGame(h2, 1)
	require.Error(t, err)

	require.NoError(t, r.EndGame(h1, 1))
	_, ok := r.RouteForGame(1)
	assert.False(t, ok)
}

func TestGameIDOwnedByAtMostOneGS(t *testing.T) {
	r := New(nil)
	h1 := NewHandle()
	h2 := NewHandle()
	key1, _ := r.RegisterGS(h1, net.ParseIP("::1"), 1000)
	key2, _ := r.RegisterGS(h2, net.ParseIP("::2"), 2000)

	r.RecordGameRoute(7, key1)
	r.RecordGameRoute(7, key2) // last write wins, still at most one owner

	got, ok := r.RouteForGame(7)
	require.True(t, ok)
	assert.Equal(t, key2, got)
}
