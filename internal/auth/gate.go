package auth

import (
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
)

// Wildcard is the pattern character matching one or more non-whitespace characters.
const Wildcard = "*"

var (
	// ErrAuthenticationFailed signals that a credential does not match the tenant pattern.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrEmptyPattern is returned when no shared secret is configured.
	ErrEmptyPattern = errors.New("shared secret pattern must not be empty")
)

// Pattern is a compiled shared-secret matcher. Literal segments match exactly; each
// wildcard matches a run of one or more non-whitespace characters. Matches are
// anchored at both ends.
type Pattern struct {
	raw     string
	matcher *regexp.Regexp
}

// Compile builds a Pattern from the configured shared secret.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}
	if !strings.Contains(pattern, Wildcard) {
		return &Pattern{raw: pattern}, nil
	}
	segments := strings.Split(pattern, Wildcard)
	for i, segment := range segments {
		segments[i] = regexp.QuoteMeta(segment)
	}
	matcher, err := regexp.Compile(`^` + strings.Join(segments, `\S+`) + `$`)
	if err != nil {
		return nil, err
	}
	return &Pattern{raw: pattern, matcher: matcher}, nil
}

// String returns the pattern as configured.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.raw
}

// HasWildcard reports whether the pattern admits more than one credential.
func (p *Pattern) HasWildcard() bool {
	return p != nil && p.matcher != nil
}

// Match reports whether credential satisfies the whole pattern.
func (p *Pattern) Match(credential string) bool {
	if p == nil || credential == "" {
		return false
	}
	if p.matcher == nil {
		return subtle.ConstantTimeCompare([]byte(credential), []byte(p.raw)) == 1
	}
	return p.matcher.MatchString(credential)
}

// Gate admits connections whose credential matches the configured pattern. The
// accepted credential becomes the connection's tenant identifier.
type Gate struct {
	pattern *Pattern
}

// NewGate compiles the shared secret into a Gate.
func NewGate(secret string) (*Gate, error) {
	pattern, err := Compile(secret)
	if err != nil {
		return nil, err
	}
	return &Gate{pattern: pattern}, nil
}

// Authenticate returns the tenant identifier for credential, or ErrAuthenticationFailed.
func (g *Gate) Authenticate(credential string) (string, error) {
	if g == nil || !g.pattern.Match(credential) {
		return "", ErrAuthenticationFailed
	}
	return credential, nil
}

// Pattern exposes the compiled pattern.
func (g *Gate) Pattern() *Pattern {
	if g == nil {
		return nil
	}
	return g.pattern
}
