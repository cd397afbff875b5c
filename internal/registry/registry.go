// Package registry keeps a concurrency-safe table of live sessions so
// operators can see who is connected and who is stuck in a tarpit or
// an ink flood.  Sessions never read it; it exists for visibility only.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the attacker-visible phase of a session.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusTarpit Status = "TARPIT"
	StatusInk    Status = "INK"
)

// ParseStatus accepts a status name in any letter case.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusActive, StatusTarpit, StatusInk:
		return st, true
	}
	return "", false
}

// Entry describes one live session.
type Entry struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Frontend    string    `json:"frontend"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	LastActive  time.Time `json:"last_active"`
	Commands    int       `json:"commands"`
	LastCommand string    `json:"last_command,omitempty"`
}

// Registry is a session table keyed by session id.  A nil *Registry is
// a valid no-op receiver.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Entry
	now      func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Entry),
		now:      time.Now,
	}
}

// Add registers a new session as ACTIVE.
func (r *Registry) Add(id, remoteAddr, frontend string) {
	if r == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	r.sessions[id] = &Entry{
		ID:         id,
		RemoteAddr: remoteAddr,
		Frontend:   frontend,
		Status:     StatusActive,
		StartedAt:  now,
		LastActive: now,
	}
	r.mu.Unlock()
}

// Remove drops a session.  Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// SetStatus moves a session to a new phase.
func (r *Registry) SetStatus(id string, s Status) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.Status = s
		e.LastActive = r.now()
	}
	r.mu.Unlock()
}

// Touch records one command received on a session.
func (r *Registry) Touch(id, command string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.Commands++
		e.LastCommand = command
		e.LastActive = r.now()
	}
	r.mu.Unlock()
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries ordered by start time, oldest
// first.  Passing statuses restricts the result to those phases.
func (r *Registry) List(statuses ...Status) []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		if len(statuses) > 0 && !hasStatus(statuses, e.Status) {
			continue
		}
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Count returns the number of live sessions in the given phase.
func (r *Registry) Count(s Status) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.sessions {
		if e.Status == s {
			n++
		}
	}
	return n
}

func hasStatus(set []Status, s Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
