// Package gateway adapts inbound HTTP requests to limiter checks.
package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

// KeyExtractor derives the rate limit key for a request. Keys are opaque to
// the engine; extractors prefix them by kind so different identity sources
// never collide.
type KeyExtractor func(r *http.Request) (string, error)

// APIKeyHeader is the conventional API key header.
const APIKeyHeader = "X-API-Key"

// FromAPIKey keys requests by the API key header.
func FromAPIKey(header string) KeyExtractor {
	if header == "" {
		header = APIKeyHeader
	}
	return func(r *http.Request) (string, error) {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			return "", core.Wrap(core.CodeInvalidInput, "missing api key", core.ErrInvalidInput)
		}
		return "apikey:" + value, nil
	}
}

// FromHeader keys requests by an arbitrary identity header, e.g. a user id
// set by an upstream authenticator.
func FromHeader(header string, prefix string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			return "", core.Wrap(core.CodeInvalidInput, "missing "+header, core.ErrInvalidInput)
		}
		return prefix + ":" + value, nil
	}
}

// UserIDHeader is the conventional authenticated-user header.
const UserIDHeader = "X-User-ID"

// FromUserID keys requests by the user id an upstream authenticator set.
func FromUserID(header string) KeyExtractor {
	if header == "" {
		header = UserIDHeader
	}
	return FromHeader(header, "user")
}

// FromClientIP keys requests by client address. Pair with a trusted RealIP
// middleware so proxied requests resolve to the original client.
func FromClientIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		if host == "" {
			return "", core.Wrap(core.CodeInvalidInput, "missing remote address", core.ErrInvalidInput)
		}
		return "ip:" + host, nil
	}
}

// FirstOf tries extractors in order, falling through on missing identity.
// Typical use: API key when present, client IP otherwise.
func FirstOf(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		var lastErr error
		for _, extract := range extractors {
			key, err := extract(r)
			if err == nil {
				return key, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = core.Wrap(core.CodeInvalidInput, "no key extractor configured", core.ErrInvalidInput)
		}
		return "", lastErr
	}
}
