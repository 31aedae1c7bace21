// Package registry owns the live connection records: the adapter map
// (server_id → connection_id, unique), the client map (connection_id →
// role/subscriptions), and the by-role index used for fast system-client
// fan-out. All mutations are serialized by a single mutex; snapshot
// iteration copies out a slice under the lock and releases it before the
// caller touches any socket.
package registry

import (
	"sync"
)

// ConnID is the process-unique, monotonic connection identifier.
type ConnID uint64

// Role matches token.Role as a separate type: both are simple string
// enums over the same four values, and this package does not import
// token.
type Role string

const (
	RoleGuest  Role = "guest"
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// ClientState is the per-client record: role plus subscription set.
type ClientState struct {
	ConnID        ConnID
	Role          Role
	Subscriptions map[string]struct{}
}

// AdapterState is the per-adapter record.
type AdapterState struct {
	ConnID   ConnID
	ServerID string
}

// Registry tracks live adapters and clients. It is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	adapters map[string]ConnID           // server_id -> connection_id
	adapterByConn map[ConnID]string      // connection_id -> server_id, for O(1) reverse lookup
	clients  map[ConnID]*ClientState     // connection_id -> state
	byRole   map[Role]map[ConnID]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		adapters:      make(map[string]ConnID),
		adapterByConn: make(map[ConnID]string),
		clients:       make(map[ConnID]*ClientState),
		byRole:        make(map[Role]map[ConnID]struct{}),
	}
}

// AddAdapter registers id as the authenticated adapter for serverID. If an
// adapter is already registered under serverID, its previous connection id
// is returned so the caller can displace (close) it: a second successful
// handshake for the same server_id wins, last-writer-wins, logged by the
// caller.
func (r *Registry) AddAdapter(serverID string, id ConnID) (previous ConnID, displaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.adapters[serverID]; ok {
		delete(r.adapterByConn, prev)
		r.adapters[serverID] = id
		r.adapterByConn[id] = serverID
		return prev, true
	}
	r.adapters[serverID] = id
	r.adapterByConn[id] = serverID
	return 0, false
}

// RemoveAdapter unregisters id if it is still the current holder of
// serverID. A displaced adapter's teardown must not clobber the
// replacement, so removal is conditional on id matching.
func (r *Registry) RemoveAdapter(serverID string, id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.adapters[serverID]; ok && current == id {
		delete(r.adapters, serverID)
		delete(r.adapterByConn, id)
	}
}

// LookupAdapter resolves serverID to its current connection id.
func (r *Registry) LookupAdapter(serverID string) (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.adapters[serverID]
	return id, ok
}

// AdapterServerID returns the server_id owned by connection id, if any.
func (r *Registry) AdapterServerID(id ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serverID, ok := r.adapterByConn[id]
	return serverID, ok
}

// AddClient registers a newly authenticated (or guest) client connection.
// System-role clients implicitly subscribe to all adapters, so their
// Subscriptions set is left unused by callers — the router checks
// role == system directly rather than materializing every server_id
// into the set.
func (r *Registry) AddClient(id ConnID, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := &ClientState{ConnID: id, Role: role, Subscriptions: make(map[string]struct{})}
	r.clients[id] = state

	if r.byRole[role] == nil {
		r.byRole[role] = make(map[ConnID]struct{})
	}
	r.byRole[role][id] = struct{}{}
}

// RemoveClient unregisters a client connection on teardown.
func (r *Registry) RemoveClient(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[id]
	if !ok {
		return
	}
	delete(r.clients, id)
	if set, ok := r.byRole[state.Role]; ok {
		delete(set, id)
	}
}

// Subscribe adds serverID to id's subscription set. Returns false if id is
// not a known client.
func (r *Registry) Subscribe(id ConnID, serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[id]
	if !ok {
		return false
	}
	state.Subscriptions[serverID] = struct{}{}
	return true
}

// Unsubscribe removes serverID from id's subscription set.
func (r *Registry) Unsubscribe(id ConnID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.clients[id]; ok {
		delete(state.Subscriptions, serverID)
	}
}

// ClientRole returns the role of a known client connection.
func (r *Registry) ClientRole(id ConnID) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return state.Role, true
}

// IsSubscribed reports whether client id is subscribed to serverID.
func (r *Registry) IsSubscribed(id ConnID, serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[id]
	if !ok {
		return false
	}
	_, subscribed := state.Subscriptions[serverID]
	return subscribed
}

// SystemClients returns a snapshot of connection ids with role == system.
// The slice is a copy; callers never hold the registry lock while using it.
func (r *Registry) SystemClients() []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byRole[RoleSystem]
	out := make([]ConnID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SubscribedClients returns a snapshot of non-system client connection ids
// subscribed to serverID.
func (r *Registry) SubscribedClients(serverID string) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnID, 0)
	for id, state := range r.clients {
		if state.Role == RoleSystem {
			continue
		}
		if _, ok := state.Subscriptions[serverID]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Stats is a point-in-time count snapshot for the control plane.
type Stats struct {
	Adapters int
	Clients  int
}

// Stats returns current adapter/client counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Adapters: len(r.adapters), Clients: len(r.clients)}
}
