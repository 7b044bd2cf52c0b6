package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"hiprint/transit/internal/input"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
)

// ReadinessProvider exposes relay state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (workers, requesters int)
	StartupError() error
	Uptime() time.Duration
}

// DirectoryProvider renders a tenant's client map and printer directory.
type DirectoryProvider interface {
	Clients(tenant string) map[string]map[string]any
	Printers(tenant string) []map[string]any
}

// Authenticator resolves a presented credential into its tenant.
type Authenticator func(credential string) (string, error)

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Relay        *networking.RelayMetrics
	InboundDrops func() input.DropCounters
	Handshakes   *HandshakeLimiter
	Traffic      *networking.TrafficMeter
	Directory    DirectoryProvider
	Authenticate Authenticator
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
}

// HandlerSet bundles the relay operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	relay        *networking.RelayMetrics
	inboundDrops func() input.DropCounters
	handshakes   *HandshakeLimiter
	traffic      *networking.TrafficMeter
	directory    DirectoryProvider
	authenticate Authenticator
	rateLimiter  RateLimiter
	now          func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		relay:        opts.Relay,
		inboundDrops: opts.InboundDrops,
		handshakes:   opts.Handshakes,
		traffic:      opts.Traffic,
		directory:    opts.Directory,
		authenticate: opts.Authenticate,
		rateLimiter:  opts.RateLimiter,
		now:          now,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/directory", h.DirectoryHandler()).Methods(http.MethodGet)
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports relay readiness, including session counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Workers       int     `json:"workers"`
		Requesters    int     `json:"requesters"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Workers, resp.Requesters = h.readiness.SnapshotClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var workers, requesters int
		var uptime float64
		if h.readiness != nil {
			workers, requesters = h.readiness.SnapshotClientCounts()
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP hiprint_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE hiprint_uptime_seconds gauge\n")
		fmt.Fprintf(w, "hiprint_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP hiprint_workers Connected print-worker sessions.\n")
		fmt.Fprintf(w, "# TYPE hiprint_workers gauge\n")
		fmt.Fprintf(w, "hiprint_workers %d\n", workers)

		fmt.Fprintf(w, "# HELP hiprint_requesters Connected requester sessions.\n")
		fmt.Fprintf(w, "# TYPE hiprint_requesters gauge\n")
		fmt.Fprintf(w, "hiprint_requesters %d\n", requesters)

		if h.relay != nil {
			snapshot := h.relay.Snapshot()
			tenants := h.relay.Tenants()
			fmt.Fprintf(w, "# HELP hiprint_routed_total Requests delivered to their target worker.\n")
			fmt.Fprintf(w, "# TYPE hiprint_routed_total counter\n")
			for _, tenant := range tenants {
				fmt.Fprintf(w, "hiprint_routed_total{tenant=%q} %d\n", TenantLabel(tenant), snapshot[tenant].Routed)
			}
			fmt.Fprintf(w, "# HELP hiprint_route_failures_total Requests refused or not delivered.\n")
			fmt.Fprintf(w, "# TYPE hiprint_route_failures_total counter\n")
			for _, tenant := range tenants {
				for reason, count := range snapshot[tenant].Failures {
					fmt.Fprintf(w, "hiprint_route_failures_total{tenant=%q,reason=%q} %d\n", TenantLabel(tenant), string(reason), count)
				}
			}
			fmt.Fprintf(w, "# HELP hiprint_replies_total Replies relayed back or dropped as unroutable.\n")
			fmt.Fprintf(w, "# TYPE hiprint_replies_total counter\n")
			for _, tenant := range tenants {
				fmt.Fprintf(w, "hiprint_replies_total{tenant=%q,outcome=\"relayed\"} %d\n", TenantLabel(tenant), snapshot[tenant].RepliesRelayed)
				fmt.Fprintf(w, "hiprint_replies_total{tenant=%q,outcome=\"dropped\"} %d\n", TenantLabel(tenant), snapshot[tenant].RepliesDropped)
			}
			fmt.Fprintf(w, "# HELP hiprint_refresh_cycles_total Completed directory refresh cycles.\n")
			fmt.Fprintf(w, "# TYPE hiprint_refresh_cycles_total counter\n")
			for _, tenant := range tenants {
				fmt.Fprintf(w, "hiprint_refresh_cycles_total{tenant=%q} %d\n", TenantLabel(tenant), snapshot[tenant].RefreshCycles)
			}
			fmt.Fprintf(w, "# HELP hiprint_directory_pushes_total Printer directories pushed to requesters by refresh cycles.\n")
			fmt.Fprintf(w, "# TYPE hiprint_directory_pushes_total counter\n")
			for _, tenant := range tenants {
				fmt.Fprintf(w, "hiprint_directory_pushes_total{tenant=%q} %d\n", TenantLabel(tenant), snapshot[tenant].DirectoryPushes)
			}
		}
		if h.inboundDrops != nil {
			drops := h.inboundDrops()
			fmt.Fprintf(w, "# HELP hiprint_inbound_dropped_total Inbound events dropped by the connection gate.\n")
			fmt.Fprintf(w, "# TYPE hiprint_inbound_dropped_total counter\n")
			fmt.Fprintf(w, "hiprint_inbound_dropped_total{reason=%q} %d\n", input.DropReasonRateLimited.String(), drops.RateLimited)
			fmt.Fprintf(w, "hiprint_inbound_dropped_total{reason=%q} %d\n", input.DropReasonMalformed.String(), drops.Malformed)
			fmt.Fprintf(w, "hiprint_inbound_dropped_total{reason=%q} %d\n", input.DropReasonForbidden.String(), drops.Forbidden)
		}
		if h.handshakes != nil {
			fmt.Fprintf(w, "# HELP hiprint_handshakes_rejected_total WebSocket upgrades refused by the handshake limiter.\n")
			fmt.Fprintf(w, "# TYPE hiprint_handshakes_rejected_total counter\n")
			fmt.Fprintf(w, "hiprint_handshakes_rejected_total %d\n", h.handshakes.Rejected())
		}
		if h.traffic != nil {
			usage := h.traffic.Snapshot()
			fmt.Fprintf(w, "# HELP hiprint_outbound_frames_total Websocket frames written by session role.\n")
			fmt.Fprintf(w, "# TYPE hiprint_outbound_frames_total counter\n")
			for _, sample := range usage {
				fmt.Fprintf(w, "hiprint_outbound_frames_total{role=%q} %d\n", sample.Role, sample.Frames)
			}
			fmt.Fprintf(w, "# HELP hiprint_outbound_bytes_total Websocket payload bytes written by session role.\n")
			fmt.Fprintf(w, "# TYPE hiprint_outbound_bytes_total counter\n")
			for _, sample := range usage {
				fmt.Fprintf(w, "hiprint_outbound_bytes_total{role=%q} %d\n", sample.Role, sample.Bytes)
			}
		}
	}
}

// DirectoryHandler returns the client map and printer directory of the tenant
// owning the presented credential.
func (h *HandlerSet) DirectoryHandler() http.HandlerFunc {
	type response struct {
		Clients  map[string]map[string]any `json:"clients"`
		Printers []map[string]any          `json:"printers"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context(), h.logger).With(
			logging.String("handler", "directory"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.directory == nil || h.authenticate == nil {
			http.Error(w, "directory is unavailable", http.StatusServiceUnavailable)
			return
		}
		credential := Credential(r)
		if credential == "" {
			reqLogger.Warn("directory denied: missing credential")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tenant, err := h.authenticate(credential)
		if err != nil {
			reqLogger.Warn("directory denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("directory denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, response{
			Clients:  h.directory.Clients(tenant),
			Printers: h.directory.Printers(tenant),
		})
	}
}

// Credential extracts the shared secret from the token or auth_token query
// parameters, the X-Auth-Token header or the Authorization bearer value, in that
// order.
func Credential(r *http.Request) string {
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return token
	}
	if token := query.Get("auth_token"); token != "" {
		return token
	}
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

// TenantLabel renders a tenant as a short stable digest so credentials never appear
// in metrics output.
func TenantLabel(tenant string) string {
	sum := sha256.Sum256([]byte(tenant))
	return hex.EncodeToString(sum[:6])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
