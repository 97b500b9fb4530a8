// Package presence tracks which connection currently represents a participant.
// It is a routing aid only: entries are rebuilt from client rejoins and are
// never consulted for business decisions.
package presence

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Key struct {
	Role   models.ParticipantRole
	UserID string
}

type Registry struct {
	mu      sync.RWMutex
	entries map[Key]string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]string)}
}

// Join maps the participant to connID. The last join wins; the replaced
// connection id is returned so the caller can detach it from rooms.
func (r *Registry) Join(role models.ParticipantRole, userID, connID string) (previous string, replaced bool) {
	k := Key{Role: role, UserID: userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, replaced = r.entries[k]
	if previous == connID {
		replaced = false
	}
	r.entries[k] = connID
	return previous, replaced
}

// Leave drops every entry still pointing at connID. Entries already taken
// over by a newer connection are left alone.
func (r *Registry) Leave(connID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Key
	// linear scan; fine at current connection counts
	for k, c := range r.entries {
		if c == connID {
			delete(r.entries, k)
			removed = append(removed, k)
		}
	}
	return removed
}

func (r *Registry) Lookup(role models.ParticipantRole, userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[Key{Role: role, UserID: userID}]
	return c, ok
}

// Online reports whether the participant has a live connection.
func (r *Registry) Online(role models.ParticipantRole, userID string) bool {
	_, ok := r.Lookup(role, userID)
	return ok
}

func (r *Registry) Count(role models.ParticipantRole) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.entries {
		if k.Role == role {
			n++
		}
	}
	return n
}
