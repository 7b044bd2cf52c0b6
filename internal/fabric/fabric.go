// Package fabric groups live connections into per-tenant multicast scopes and
// indexes them by connection identifier for unicast delivery.
package fabric

import (
	"sort"
	"sync"
)

// Role classifies a connection at handshake time.
type Role string

const (
	// RoleWorker marks a print-worker (electron-hiprint) connection.
	RoleWorker Role = "electron-hiprint"
	// RoleRequester marks a requester (web client) connection.
	RoleRequester Role = "web-client"
	// RoleProbe marks a liveness probe that never joins a group.
	RoleProbe Role = "test"
)

// Conn is a live connection able to accept encoded frames.
type Conn interface {
	ID() string
	Tenant() string
	Role() Role
	// Send enqueues frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

// GroupKey names one multicast scope.
type GroupKey struct {
	Tenant string
	Role   Role
}

// WorkerGroup returns the print-worker group key of tenant.
func WorkerGroup(tenant string) GroupKey { return GroupKey{Tenant: tenant, Role: RoleWorker} }

// RequesterGroup returns the requester group key of tenant.
func RequesterGroup(tenant string) GroupKey { return GroupKey{Tenant: tenant, Role: RoleRequester} }

func (k GroupKey) String() string { return k.Tenant + "_" + string(k.Role) }

type member struct {
	conn   Conn
	groups map[GroupKey]struct{}
}

// Fabric tracks every attached connection and its group memberships.
type Fabric struct {
	mu     sync.RWMutex
	conns  map[string]*member
	groups map[GroupKey]map[string]Conn
}

// New constructs an empty fabric.
func New() *Fabric {
	return &Fabric{
		conns:  make(map[string]*member),
		groups: make(map[GroupKey]map[string]Conn),
	}
}

// Attach makes conn addressable by its identifier. Attaching an identifier twice
// replaces the previous connection and drops its memberships.
func (f *Fabric) Attach(conn Conn) {
	if f == nil || conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.conns[conn.ID()]; ok {
		f.detachLocked(existing)
	}
	f.conns[conn.ID()] = &member{conn: conn, groups: make(map[GroupKey]struct{})}
}

// Join adds conn to the group, attaching it first when needed.
func (f *Fabric) Join(conn Conn, key GroupKey) {
	if f == nil || conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.conns[conn.ID()]
	if !ok {
		m = &member{conn: conn, groups: make(map[GroupKey]struct{})}
		f.conns[conn.ID()] = m
	}
	group, ok := f.groups[key]
	if !ok {
		group = make(map[string]Conn)
		f.groups[key] = group
	}
	group[conn.ID()] = conn
	m.groups[key] = struct{}{}
}

// Leave removes conn from one group.
func (f *Fabric) Leave(conn Conn, key GroupKey) {
	if f == nil || conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.conns[conn.ID()]; ok {
		delete(m.groups, key)
	}
	f.removeFromGroupLocked(key, conn.ID())
}

// LeaveAll removes conn from every group and from the identifier index in one
// critical section. It is idempotent.
func (f *Fabric) LeaveAll(conn Conn) {
	if f == nil || conn == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.conns[conn.ID()]
	if !ok || m.conn != conn {
		return
	}
	f.detachLocked(m)
}

func (f *Fabric) detachLocked(m *member) {
	id := m.conn.ID()
	for key := range m.groups {
		f.removeFromGroupLocked(key, id)
	}
	delete(f.conns, id)
}

func (f *Fabric) removeFromGroupLocked(key GroupKey, id string) {
	group, ok := f.groups[key]
	if !ok {
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(f.groups, key)
	}
}

// Publish delivers frame to every connection in the group at the moment of the
// call and returns how many accepted it.
func (f *Fabric) Publish(key GroupKey, frame []byte) int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	targets := make([]Conn, 0, len(f.groups[key]))
	for _, conn := range f.groups[key] {
		targets = append(targets, conn)
	}
	f.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.Send(frame) {
			delivered++
		}
	}
	return delivered
}

// Lookup returns the live connection holding id.
func (f *Fabric) Lookup(id string) (Conn, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.conns[id]
	if !ok {
		return nil, false
	}
	return m.conn, true
}

// Unicast delivers frame to the connection holding id.
func (f *Fabric) Unicast(id string, frame []byte) bool {
	conn, ok := f.Lookup(id)
	if !ok {
		return false
	}
	return conn.Send(frame)
}

// Members returns the number of connections in the group.
func (f *Fabric) Members(key GroupKey) int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.groups[key])
}

// IsMember reports whether the connection id belongs to the group.
func (f *Fabric) IsMember(id string, key GroupKey) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.groups[key][id]
	return ok
}

// CountRole returns the number of attached connections with role across all tenants.
func (f *Fabric) CountRole(role Role) int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, m := range f.conns {
		if m.conn.Role() == role {
			total++
		}
	}
	return total
}

// Len returns the number of attached connections.
func (f *Fabric) Len() int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.conns)
}

// Tenants returns every tenant with at least one group member, in lexical order.
func (f *Fabric) Tenants() []string {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	seen := make(map[string]struct{}, len(f.groups))
	for key := range f.groups {
		seen[key.Tenant] = struct{}{}
	}
	f.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for tenant := range seen {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}
