package main

import (
	"errors"
	"net/http/httptest"
	"testing"

	"hiprint/transit/internal/auth"
	"hiprint/transit/internal/fabric"
)

func TestClassifyRole(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		target string
		want   fabric.Role
	}{
		"worker":           {target: "/ws?client=electron-hiprint", want: fabric.RoleWorker},
		"requester":        {target: "/ws?client=vue-plugin", want: fabric.RoleRequester},
		"no_client":        {target: "/ws", want: fabric.RoleRequester},
		"probe":            {target: "/ws?test=true", want: fabric.RoleProbe},
		"probe_wins":       {target: "/ws?test=true&client=electron-hiprint", want: fabric.RoleProbe},
		"probe_flag_false": {target: "/ws?test=false&client=electron-hiprint", want: fabric.RoleWorker},
		"probe_flag_upper": {target: "/ws?test=TRUE&client=electron-hiprint", want: fabric.RoleWorker},
		"probe_flag_space": {target: "/ws?test=%20true", want: fabric.RoleRequester},
		"worker_padded":    {target: "/ws?client=%20electron-hiprint", want: fabric.RoleRequester},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := classifyRole(httptest.NewRequest("GET", tc.target, nil)); got != tc.want {
				t.Fatalf("classifyRole(%q) = %q, want %q", tc.target, got, tc.want)
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	request := func(origin string) bool {
		req := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return originChecker([]string{"https://shop.example/"})(req)
	}
	if !request("https://shop.example") {
		t.Fatal("expected listed origin to be allowed")
	}
	if request("https://evil.example") {
		t.Fatal("expected unlisted origin to be refused")
	}
	if !request("") {
		t.Fatal("expected missing origin to be allowed")
	}

	wildcard := httptest.NewRequest("GET", "/ws", nil)
	wildcard.Header.Set("Origin", "https://anything.example")
	if !originChecker([]string{"*"})(wildcard) || !originChecker(nil)(wildcard) {
		t.Fatal("expected wildcard and empty lists to allow every origin")
	}
}

func TestGateWebsocketAuthenticator(t *testing.T) {
	t.Parallel()

	authenticator, err := newGateWebsocketAuthenticator("foo*")
	if err != nil {
		t.Fatalf("newGateWebsocketAuthenticator: %v", err)
	}
	tenant, err := authenticator.Authenticate(httptest.NewRequest("GET", "/ws?token=foo123", nil))
	if err != nil || tenant != "foo123" {
		t.Fatalf("expected foo123 to be accepted as its own tenant, got %q (%v)", tenant, err)
	}
	if _, err := authenticator.Authenticate(httptest.NewRequest("GET", "/ws?token=bar123", nil)); !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("expected bar123 to be rejected, got %v", err)
	}
	if _, err := authenticator.Authenticate(httptest.NewRequest("GET", "/ws?token=%20foo123", nil)); !errors.Is(err, auth.ErrAuthenticationFailed) {
		t.Fatalf("expected padded credential to be rejected, got %v", err)
	}
	if _, err := newGateWebsocketAuthenticator(""); err == nil {
		t.Fatal("expected empty secret to be refused")
	}
}
