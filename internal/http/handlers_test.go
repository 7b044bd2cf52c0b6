package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"hiprint/transit/internal/input"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
)

type stubReadiness struct {
	workers    int
	requesters int
	uptime     time.Duration
	err        error
}

func (s *stubReadiness) SnapshotClientCounts() (int, int) { return s.workers, s.requesters }
func (s *stubReadiness) StartupError() error              { return s.err }
func (s *stubReadiness) Uptime() time.Duration            { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubDirectory struct{}

func (stubDirectory) Clients(tenant string) map[string]map[string]any {
	return map[string]map[string]any{"w1": {"clientId": "w1", "tenant": tenant}}
}

func (stubDirectory) Printers(tenant string) []map[string]any {
	return []map[string]any{{"name": "P1"}}
}

func staticAuth(secret string) Authenticator {
	return func(credential string) (string, error) {
		if credential != secret {
			return "", errors.New("denied")
		}
		return credential, nil
	}
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{workers: 3, requesters: 1, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Workers       int     `json:"workers"`
		Requesters    int     `json:"requesters"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Workers != 3 || payload.Requesters != 1 {
		t.Fatalf("unexpected session counts: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	relay := networking.NewRelayMetrics()
	relay.ObserveRouted("secret-token")
	relay.ObserveFailure("secret-token", networking.FailureTargetNotFound)
	relay.ObserveReply("secret-token", false)
	traffic := networking.NewTrafficMeter(nil)
	traffic.Record("web-client", 128)
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		Readiness:    &stubReadiness{workers: 2, requesters: 5, uptime: 90 * time.Second},
		Relay:        relay,
		InboundDrops: func() input.DropCounters { return input.DropCounters{RateLimited: 7} },
		Traffic:      traffic,
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	label := TenantLabel("secret-token")
	for _, substr := range []string{
		"hiprint_uptime_seconds 90",
		"hiprint_workers 2",
		"hiprint_requesters 5",
		`hiprint_routed_total{tenant="` + label + `"} 1`,
		`hiprint_route_failures_total{tenant="` + label + `",reason="target_not_found"} 1`,
		`hiprint_replies_total{tenant="` + label + `",outcome="dropped"} 1`,
		`hiprint_inbound_dropped_total{reason="rate_limit"} 7`,
		`hiprint_outbound_frames_total{role="web-client"} 1`,
		`hiprint_outbound_bytes_total{role="web-client"} 128`,
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
	if strings.Contains(body, "secret-token") {
		t.Fatalf("metrics leaked the tenant credential:\n%s", body)
	}
}

func TestDirectoryHandlerAuthAndRateLimits(t *testing.T) {
	handlers := NewHandlerSet(Options{
		Logger:       logging.NewTestLogger(),
		Directory:    stubDirectory{},
		Authenticate: staticAuth("topsecret"),
		RateLimiter:  &stubLimiter{remaining: 1},
	})
	router := mux.NewRouter()
	handlers.Register(router)

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/directory", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		router.ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	if resp := makeRequest("wrong"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for wrong token, got %d", resp.Code)
	}

	resp := makeRequest("topsecret")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}
	var payload struct {
		Clients  map[string]map[string]any `json:"clients"`
		Printers []map[string]any          `json:"printers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Clients["w1"]["tenant"] != "topsecret" || len(payload.Printers) != 1 {
		t.Fatalf("unexpected directory payload: %+v", payload)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestCredentialPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/directory", nil)
	req.Header.Set("Authorization", "Bearer bearer")
	if got := Credential(req); got != "bearer" {
		t.Fatalf("expected bearer token, got %q", got)
	}
	req.Header.Set("X-Auth-Token", "header")
	if got := Credential(req); got != "header" {
		t.Fatalf("expected header token, got %q", got)
	}
	req.URL.RawQuery = "auth_token=alt"
	if got := Credential(req); got != "alt" {
		t.Fatalf("expected auth_token, got %q", got)
	}
	req.URL.RawQuery = "token=query&auth_token=alt"
	if got := Credential(req); got != "query" {
		t.Fatalf("expected query token, got %q", got)
	}
}

func TestCredentialIsPassedThroughUnchanged(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/directory?token=%20tenant-one", nil)
	if got := Credential(req); got != " tenant-one" {
		t.Fatalf("expected padded token to be kept, got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/directory", nil)
	req.Header.Set("Authorization", "Bearer  tenant-one")
	if got := Credential(req); got != " tenant-one" {
		t.Fatalf("expected bearer value to be kept, got %q", got)
	}
}
