// Package input throttles the events each connection may submit to the relay.
package input

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hiprint/transit/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Config controls the token bucket applied to every connection.
type Config struct {
	EventsPerSecond float64
	Burst           int
}

// DropReason enumerates why a frame was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonRateLimited DropReason = "rate_limit"
	DropReasonMalformed   DropReason = "malformed"
	DropReasonForbidden   DropReason = "forbidden"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
}

// Frame identifies one inbound event.
type Frame struct {
	ClientID string
	Event    string
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	RateLimited uint64 `json:"rate_limited"`
	Malformed   uint64 `json:"malformed"`
	Forbidden   uint64 `json:"forbidden"`
}

// Metrics stores per-client drop counters for diagnostics.
type Metrics struct {
	mu    sync.RWMutex
	drops map[string]DropCounters
}

// newMetrics provisions an empty metrics container.
func newMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

// observe increments the counter for the supplied reason.
func (m *Metrics) observe(clientID string, reason DropReason) {
	if m == nil || clientID == "" || reason == DropReasonNone {
		return
	}
	//1.- Lock while mutating the counters so concurrent updates stay consistent.
	m.mu.Lock()
	current := m.drops[clientID]
	switch reason {
	case DropReasonRateLimited:
		current.RateLimited++
	case DropReasonMalformed:
		current.Malformed++
	case DropReasonForbidden:
		current.Forbidden++
	}
	m.drops[clientID] = current
	m.mu.Unlock()
}

// snapshot returns a copy of the counters for external consumption.
func (m *Metrics) snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for clientID, counters := range m.drops {
		clone[clientID] = counters
	}
	return clone
}

// forget removes a client's counters when the connection closes.
func (m *Metrics) forget(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, clientID)
	m.mu.Unlock()
}

// Totals sums the counters of every tracked client.
func (m *Metrics) Totals() DropCounters {
	var total DropCounters
	if m == nil {
		return total
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, counters := range m.drops {
		total.RateLimited += counters.RateLimited
		total.Malformed += counters.Malformed
		total.Forbidden += counters.Forbidden
	}
	return total
}

// Gate applies a per-connection token bucket to inbound events.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	logger   *logging.Logger
	metrics  *Metrics
	limiters map[string]*rate.Limiter
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for token accounting.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a pre-built metrics container, enabling shared aggregation across gates.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- A non-positive rate disables throttling; a missing burst admits one event at a time.
	if cfg.EventsPerSecond < 0 {
		cfg.EventsPerSecond = 0
	}
	if cfg.EventsPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:      cfg,
		clock:    systemClock{},
		logger:   logger,
		metrics:  newMetrics(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate consumes one token for the frame's client.
func (g *Gate) Evaluate(frame Frame) Decision {
	accepted := Decision{Accepted: true}
	if g == nil || frame.ClientID == "" || g.cfg.EventsPerSecond == 0 {
		return accepted
	}

	g.mu.Lock()
	limiter, ok := g.limiters[frame.ClientID]
	if !ok {
		//1.- Every connection starts with a full bucket.
		limiter = rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.Burst)
		g.limiters[frame.ClientID] = limiter
	}
	g.mu.Unlock()

	if limiter.AllowN(g.clock.Now(), 1) {
		return accepted
	}
	g.metrics.observe(frame.ClientID, DropReasonRateLimited)
	g.logger.Debug("inbound event rate limited",
		logging.String("client_id", frame.ClientID),
		logging.String("event", frame.Event),
	)
	return Decision{Accepted: false, Reason: DropReasonRateLimited}
}

// Reject records a frame dropped by the caller for reason.
func (g *Gate) Reject(frame Frame, reason DropReason) {
	if g == nil {
		return
	}
	g.metrics.observe(frame.ClientID, reason)
}

// Forget clears the bucket and metrics of a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.limiters, clientID)
	g.mu.Unlock()
	g.metrics.forget(clientID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}

// Totals returns the drop counters summed across live clients.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	return g.metrics.Totals()
}
