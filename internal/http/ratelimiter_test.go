package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandshakeLimiterRejectsBeyondBurst(t *testing.T) {
	limiter := NewHandshakeLimiter(0.001, 2)

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}
	if got := limiter.Rejected(); got != 1 {
		t.Fatalf("rejected = %d, want 1", got)
	}
}

func TestHandshakeLimiterDisabled(t *testing.T) {
	limiter := NewHandshakeLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow() {
			t.Fatal("limiter with zero configuration should allow")
		}
	}
	var missing *HandshakeLimiter
	if !missing.Allow() {
		t.Fatal("nil limiter should allow")
	}
}

func TestHandshakeLimiterMiddleware(t *testing.T) {
	limiter := NewHandshakeLimiter(0.001, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}
