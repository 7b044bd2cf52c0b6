package networking

import (
	"sort"
	"sync"
)

// RouteFailure enumerates why a routed request was not delivered.
type RouteFailure string

const (
	FailureMissingTarget  RouteFailure = "missing_target"
	FailureTargetNotFound RouteFailure = "target_not_found"
	FailureBadPayload     RouteFailure = "bad_payload"
	FailureSendRejected   RouteFailure = "send_rejected"
)

// TenantCounters aggregates relay traffic counters for one tenant.
type TenantCounters struct {
	Routed          int64                  `json:"routed"`
	Failures        map[RouteFailure]int64 `json:"failures,omitempty"`
	RepliesRelayed  int64                  `json:"replies_relayed"`
	RepliesDropped  int64                  `json:"replies_dropped"`
	RefreshCycles   int64                  `json:"refresh_cycles"`
	DirectoryPushes int64                  `json:"directory_pushes"`
}

// RelayMetrics tracks routing and refresh counters per tenant.
type RelayMetrics struct {
	mu      sync.RWMutex
	tenants map[string]*TenantCounters
}

// NewRelayMetrics constructs an empty metrics tracker.
func NewRelayMetrics() *RelayMetrics {
	return &RelayMetrics{tenants: make(map[string]*TenantCounters)}
}

func (m *RelayMetrics) tenantLocked(tenant string) *TenantCounters {
	counters, ok := m.tenants[tenant]
	if !ok {
		counters = &TenantCounters{Failures: make(map[RouteFailure]int64)}
		m.tenants[tenant] = counters
	}
	return counters
}

// ObserveRouted records a request delivered to its target.
func (m *RelayMetrics) ObserveRouted(tenant string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.tenantLocked(tenant).Routed++
	m.mu.Unlock()
}

// ObserveFailure records a request the router refused or could not deliver.
func (m *RelayMetrics) ObserveFailure(tenant string, reason RouteFailure) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.tenantLocked(tenant).Failures[reason]++
	m.mu.Unlock()
}

// ObserveReply records a reply relayed back to, or dropped before, its origin.
func (m *RelayMetrics) ObserveReply(tenant string, delivered bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counters := m.tenantLocked(tenant)
	if delivered {
		counters.RepliesRelayed++
	} else {
		counters.RepliesDropped++
	}
	m.mu.Unlock()
}

// ObserveRefresh records a completed refresh cycle and the requesters it reached.
func (m *RelayMetrics) ObserveRefresh(tenant string, pushes int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counters := m.tenantLocked(tenant)
	counters.RefreshCycles++
	if pushes > 0 {
		counters.DirectoryPushes += int64(pushes)
	}
	m.mu.Unlock()
}

// ForgetTenant drops the counters of a tenant that no longer has connections.
func (m *RelayMetrics) ForgetTenant(tenant string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.tenants, tenant)
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters keyed by tenant.
func (m *RelayMetrics) Snapshot() map[string]TenantCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TenantCounters, len(m.tenants))
	for tenant, counters := range m.tenants {
		clone := *counters
		clone.Failures = make(map[RouteFailure]int64, len(counters.Failures))
		for reason, count := range counters.Failures {
			clone.Failures[reason] = count
		}
		out[tenant] = clone
	}
	return out
}

// Tenants returns the tracked tenants in lexical order.
func (m *RelayMetrics) Tenants() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for tenant := range m.tenants {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}
