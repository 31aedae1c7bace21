package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAdapter_UniquePerServerID(t *testing.T) {
	r := New()

	_, displaced := r.AddAdapter("mc-1", 1)
	assert.False(t, displaced)

	prev, displaced := r.AddAdapter("mc-1", 2)
	assert.True(t, displaced)
	assert.Equal(t, ConnID(1), prev)

	id, ok := r.LookupAdapter("mc-1")
	assert.True(t, ok)
	assert.Equal(t, ConnID(2), id)
}

func TestRemoveAdapter_IgnoresStaleID(t *testing.T) {
	r := New()
	r.AddAdapter("mc-1", 1)
	r.AddAdapter("mc-1", 2) // displaces 1

	r.RemoveAdapter("mc-1", 1) // stale removal must not affect current holder
	id, ok := r.LookupAdapter("mc-1")
	assert.True(t, ok)
	assert.Equal(t, ConnID(2), id)

	r.RemoveAdapter("mc-1", 2)
	_, ok = r.LookupAdapter("mc-1")
	assert.False(t, ok)
}

func TestAddClient_SystemRoleIndexed(t *testing.T) {
	r := New()
	r.AddClient(10, RoleSystem)
	r.AddClient(11, RoleGuest)

	systemClients := r.SystemClients()
	assert.ElementsMatch(t, []ConnID{10}, systemClients)
}

func TestSubscribe_TracksSubscribedClients(t *testing.T) {
	r := New()
	r.AddClient(1, RolePlayer)
	r.AddClient(2, RolePlayer)

	assert.True(t, r.Subscribe(1, "mc-1"))
	assert.True(t, r.IsSubscribed(1, "mc-1"))
	assert.False(t, r.IsSubscribed(2, "mc-1"))

	subs := r.SubscribedClients("mc-1")
	assert.ElementsMatch(t, []ConnID{1}, subs)
}

func TestSubscribedClients_ExcludesSystemClients(t *testing.T) {
	r := New()
	r.AddClient(1, RoleSystem)
	r.Subscribe(1, "mc-1") // no-op semantically; system gets events implicitly

	subs := r.SubscribedClients("mc-1")
	assert.Empty(t, subs, "system clients are excluded from the explicit subscription list")
}

func TestRemoveClient_ClearsRoleIndex(t *testing.T) {
	r := New()
	r.AddClient(1, RoleSystem)
	r.RemoveClient(1)

	assert.Empty(t, r.SystemClients())
	_, ok := r.ClientRole(1)
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	r := New()
	r.AddAdapter("mc-1", 1)
	r.AddClient(2, RoleGuest)
	r.AddClient(3, RoleSystem)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Adapters)
	assert.Equal(t, 2, stats.Clients)
}
