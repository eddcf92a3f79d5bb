package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/btouchard/courier/internal/event"
)

// ErrInconsistent signals a broken registry invariant. It should never be
// observed; callers log it rather than repair state.
var ErrInconsistent = errors.New("presence registry inconsistent")

// Registry maps each online user to the set of its open connection IDs.
// An entry exists iff the user has at least one connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[event.UserID]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[event.UserID]map[string]struct{})}
}

// Register adds connID under id. It reports whether id just came online.
// Registering the same pair twice is a no-op.
func (r *Registry) Register(id event.UserID, connID string) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.entries[id]
	if !ok {
		conns = make(map[string]struct{})
		r.entries[id] = conns
		cameOnline = true
	}
	conns[connID] = struct{}{}

	slog.Debug("presence registered",
		"user_id", id,
		"conn_id", connID,
		"connections", len(conns))

	return cameOnline
}

// Deregister removes connID from id's entry and drops the entry once it is
// empty. It reports whether id just went offline. Unknown pairs are ignored.
func (r *Registry) Deregister(id event.UserID, connID string) (wentOffline bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.entries[id]
	if !ok {
		return false, nil
	}
	if len(conns) == 0 {
		return false, fmt.Errorf("%w: empty entry for user %q", ErrInconsistent, id)
	}
	if _, ok := conns[connID]; !ok {
		return false, nil
	}

	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.entries, id)
		wentOffline = true
	}

	slog.Debug("presence deregistered",
		"user_id", id,
		"conn_id", connID,
		"offline", wentOffline)

	return wentOffline, nil
}

// IsOnline reports whether id has at least one open connection.
func (r *Registry) IsOnline(id event.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Connections returns a sorted copy of id's connection IDs.
func (r *Registry) Connections(id event.UserID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.entries[id]
	out := make([]string, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Online returns the currently online users, sorted.
func (r *Registry) Online() []event.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]event.UserID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
