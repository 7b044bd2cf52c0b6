package networking

import (
	"sort"
	"sync"
	"time"
)

// TrafficUsage captures what the relay wrote to one class of sessions.
type TrafficUsage struct {
	Role            string
	Frames          int64
	Bytes           int64
	BytesPerSecond  float64
	ObservedSeconds float64
}

type trafficSample struct {
	frames int64
	bytes  int64
	since  time.Time
}

// TrafficMeter accumulates outbound websocket frames per connection role.
type TrafficMeter struct {
	mu    sync.Mutex
	roles map[string]*trafficSample
	now   func() time.Time
}

// NewTrafficMeter constructs a meter using clock, or time.Now when nil.
func NewTrafficMeter(clock func() time.Time) *TrafficMeter {
	if clock == nil {
		clock = time.Now
	}
	return &TrafficMeter{roles: make(map[string]*trafficSample), now: clock}
}

// Record charges one written frame of size bytes to role.
func (m *TrafficMeter) Record(role string, size int) {
	if m == nil || size < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sample := m.roles[role]
	if sample == nil {
		//1.- Start the observation window at the first frame of the role.
		sample = &trafficSample{since: m.now()}
		m.roles[role] = sample
	}
	sample.frames++
	sample.bytes += int64(size)
}

// Snapshot reports the totals and sustained throughput per role, ordered by role.
func (m *TrafficMeter) Snapshot() []TrafficUsage {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]TrafficUsage, 0, len(m.roles))
	for role, sample := range m.roles {
		//1.- Derive throughput from the window since the role's first frame.
		observed := now.Sub(sample.since).Seconds()
		if observed < 0 {
			observed = 0
		}
		rate := 0.0
		if observed > 0 {
			rate = float64(sample.bytes) / observed
		}
		out = append(out, TrafficUsage{
			Role:            role,
			Frames:          sample.frames,
			Bytes:           sample.bytes,
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
