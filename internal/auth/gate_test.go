package auth

import (
	"errors"
	"testing"
)

func TestGateAcceptsWildcardTenant(t *testing.T) {
	gate, err := NewGate("foo*")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	tenant, err := gate.Authenticate("foo123")
	if err != nil {
		t.Fatalf("expected foo123 to be accepted: %v", err)
	}
	if tenant != "foo123" {
		t.Fatalf("expected tenant to be the credential, got %q", tenant)
	}
	if _, err := gate.Authenticate("bar123"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected bar123 to be rejected, got %v", err)
	}
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern    string
		credential string
		want       bool
	}{
		{"vue-plugin-hiprint", "vue-plugin-hiprint", true},
		{"vue-plugin-hiprint", "vue-plugin-hiprint2", false},
		{"vue-plugin-hiprint", "", false},
		{"foo*", "foo", false},
		{"foo*", "foo bar", false},
		{"foo*", "xfoo1", false},
		{"*-shop", "east-shop", true},
		{"a*b*c", "a1b2c", true},
		{"a*b*c", "abc", false},
		{"t.+(x)*", "t.+(x)1", true},
		{"t.+(x)*", "tt(x)1", false},
		{"t.+(x)*", "t..(x)1", false},
	}
	for _, tc := range cases {
		pattern, err := Compile(tc.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tc.pattern, err)
		}
		if got := pattern.Match(tc.credential); got != tc.want {
			t.Fatalf("Compile(%q).Match(%q) = %v, want %v", tc.pattern, tc.credential, got, tc.want)
		}
	}
}

func TestCompileRejectsEmptyPattern(t *testing.T) {
	if _, err := Compile(""); !errors.Is(err, ErrEmptyPattern) {
		t.Fatalf("expected ErrEmptyPattern, got %v", err)
	}
	var gate *Gate
	if _, err := gate.Authenticate("anything"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("nil gate must reject, got %v", err)
	}
}

func TestHasWildcard(t *testing.T) {
	literal, _ := Compile("secret-token")
	wild, _ := Compile("secret-*")
	if literal.HasWildcard() || !wild.HasWildcard() {
		t.Fatalf("unexpected wildcard detection: literal=%v wild=%v", literal.HasWildcard(), wild.HasWildcard())
	}
}
