// Package registry is the single source of truth for "which sessions
// are connected right now" (§4.6): a mutex-protected index keyed by
// session id and by assigned IP, serializing registration the way the
// rest of this codebase serializes shared mutable state (ippool.Pool,
// the session's own byte counters).
package registry

import (
	"net"
	"sync"
)

// Session is the narrow surface the registry needs from a session: a
// delivery method for the router's reverse path. The id it is keyed by
// is passed separately to Register and BindIP.
type Session interface {
	Deliver(packet []byte)
}

// Registry indexes live sessions by id and by their leased VPN
// address. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]Session
	byIP   map[string]Session
	idToIP map[string]string
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]Session),
		byIP:   make(map[string]Session),
		idToIP: make(map[string]string),
	}
}

// Register adds a session under its id, before it has an assigned IP
// (§4.5 transition 1: Connected sessions are trackable for shutdown
// even before authentication completes).
func (r *Registry) Register(id string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = s
}

// BindIP associates a session's id with its leased address once
// authentication succeeds (§4.5 transition 4).
func (r *Registry) BindIP(id string, ip net.IP, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ip.String()
	r.byIP[key] = s
	r.idToIP[id] = key
}

// Unregister removes a session from both indexes. Safe to call on a
// session that was never IP-bound.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	if ip, ok := r.idToIP[id]; ok {
		delete(r.byIP, ip)
		delete(r.idToIP, id)
	}
}

// LookupByID returns the session registered under id, if any.
func (r *Registry) LookupByID(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// LookupByIP returns the session currently leasing ip, if any. This is
// the router's hot path for the internet→client direction.
func (r *Registry) LookupByIP(ip net.IP) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byIP[ip.String()]
	return s, ok
}

// All returns a point-in-time snapshot of every registered session.
// Callers must not hold the registry's lock while iterating; this
// method copies the map and releases the lock before returning so a
// long-running consumer (e.g. broadcasting DISCONNECT at shutdown)
// never blocks concurrent Register/Unregister calls.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
