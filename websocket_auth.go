package main

import (
	"net/http"
	"strings"

	"hiprint/transit/internal/auth"
	"hiprint/transit/internal/fabric"
	httpapi "hiprint/transit/internal/http"
)

type websocketAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type gateWebsocketAuthenticator struct {
	gate *auth.Gate
}

func newGateWebsocketAuthenticator(secret string) (*gateWebsocketAuthenticator, error) {
	gate, err := auth.NewGate(secret)
	if err != nil {
		return nil, err
	}
	return &gateWebsocketAuthenticator{gate: gate}, nil
}

// Authenticate matches the presented credential against the configured pattern and
// returns it as the session's tenant.
func (a *gateWebsocketAuthenticator) Authenticate(r *http.Request) (string, error) {
	return a.gate.Authenticate(httpapi.Credential(r))
}

// classifyRole reads the role a peer declares in its handshake query.
func classifyRole(r *http.Request) fabric.Role {
	query := r.URL.Query()
	if query.Get("test") == "true" {
		return fabric.RoleProbe
	}
	if query.Get("client") == string(fabric.RoleWorker) {
		return fabric.RoleWorker
	}
	return fabric.RoleRequester
}

// originChecker accepts any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		permitted[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	if len(permitted) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := permitted[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// tenantTag identifies a tenant in logs without revealing its credential.
func tenantTag(tenant string) string {
	return httpapi.TenantLabel(tenant)
}
