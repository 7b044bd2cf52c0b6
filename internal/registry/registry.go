// Package registry stores the print-worker sessions of every tenant.
package registry

import (
	"sync"
)

// Session is a copy of one print-worker's state.
type Session struct {
	ID       string
	Metadata map[string]any
	Printers []map[string]any
}

type tenantSessions struct {
	order    []string
	sessions map[string]*Session
}

// Registry maps tenant -> session id -> Session. A tenant exists only while it has
// at least one session. Every read-then-write runs under a single lock acquisition
// so concurrent Snapshot calls never observe partial updates.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenantSessions
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{tenants: make(map[string]*tenantSessions)}
}

// ensureLocked returns the session, creating the tenant and session when absent.
func (r *Registry) ensureLocked(tenant, id string) *Session {
	ts, ok := r.tenants[tenant]
	if !ok {
		ts = &tenantSessions{sessions: make(map[string]*Session)}
		r.tenants[tenant] = ts
	}
	session, ok := ts.sessions[id]
	if !ok {
		session = &Session{ID: id, Metadata: map[string]any{}, Printers: []map[string]any{}}
		ts.sessions[id] = session
		ts.order = append(ts.order, id)
	}
	return session
}

// Register creates an empty session entry if absent. It is idempotent.
func (r *Registry) Register(tenant, id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	r.ensureLocked(tenant, id)
	r.mu.Unlock()
}

// UpdateMetadata shallow-merges partial into the session metadata, keeping keys that
// partial does not mention. The session is created when missing.
func (r *Registry) UpdateMetadata(tenant, id string, partial map[string]any) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	session := r.ensureLocked(tenant, id)
	for key, value := range partial {
		session.Metadata[key] = value
	}
	r.mu.Unlock()
}

// UpdatePrinterList replaces the session printer list wholesale. The session is
// created when missing.
func (r *Registry) UpdatePrinterList(tenant, id string, printers []map[string]any) {
	if r == nil || id == "" {
		return
	}
	replacement := make([]map[string]any, 0, len(printers))
	for _, printer := range printers {
		replacement = append(replacement, cloneMap(printer))
	}
	r.mu.Lock()
	session := r.ensureLocked(tenant, id)
	session.Printers = replacement
	r.mu.Unlock()
}

// Remove deletes the session and reports whether it existed.
func (r *Registry) Remove(tenant, id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tenants[tenant]
	if !ok {
		return false
	}
	if _, ok := ts.sessions[id]; !ok {
		return false
	}
	delete(ts.sessions, id)
	for i, existing := range ts.order {
		if existing == id {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	if len(ts.sessions) == 0 {
		delete(r.tenants, tenant)
	}
	return true
}

// Has reports whether id is a registered session of tenant.
func (r *Registry) Has(tenant, id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tenants[tenant]
	if !ok {
		return false
	}
	_, ok = ts.sessions[id]
	return ok
}

// Snapshot returns copies of every session of tenant in registration order. Unknown
// tenants yield an empty slice.
func (r *Registry) Snapshot(tenant string) []Session {
	if r == nil {
		return []Session{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tenants[tenant]
	if !ok {
		return []Session{}
	}
	out := make([]Session, 0, len(ts.order))
	for _, id := range ts.order {
		session := ts.sessions[id]
		printers := make([]map[string]any, 0, len(session.Printers))
		for _, printer := range session.Printers {
			printers = append(printers, cloneMap(printer))
		}
		out = append(out, Session{
			ID:       session.ID,
			Metadata: cloneMap(session.Metadata),
			Printers: printers,
		})
	}
	return out
}

// Tenants lists every tenant that currently has sessions.
func (r *Registry) Tenants() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tenants))
	for tenant := range r.tenants {
		out = append(out, tenant)
	}
	return out
}

// Count returns the number of sessions registered for tenant.
func (r *Registry) Count(tenant string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ts, ok := r.tenants[tenant]; ok {
		return len(ts.sessions)
	}
	return 0
}

// Total returns the number of sessions across all tenants.
func (r *Registry) Total() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, ts := range r.tenants {
		total += len(ts.sessions)
	}
	return total
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
