package ratelimit

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"gatekeeper/internal/models"
)

// APIKeyHeader carries a caller's API key. Only keys registered with the
// Resolver are believed.
const APIKeyHeader = "X-API-Key"

// apiKeyPrefix marks identifiers derived from a registered API key.
const apiKeyPrefix = "key:"

type identifierKey struct{}

// Resolver turns a request into a rate limit identifier. The zero value keys
// every request on the address of the connection.
type Resolver struct {
	keys    map[string]string // key name -> secret
	proxies []netip.Prefix
}

// NewResolver builds a Resolver from the configured API keys (name -> key)
// and trusted proxy entries.
func NewResolver(apiKeys map[string]string, trustedProxies []string) (*Resolver, error) {
	r := &Resolver{keys: make(map[string]string, len(apiKeys))}
	for name, key := range apiKeys {
		r.keys[name] = key
	}
	for _, entry := range trustedProxies {
		prefix, err := models.ParseProxy(entry)
		if err != nil {
			return nil, err
		}
		r.proxies = append(r.proxies, prefix)
	}
	return r, nil
}

// Identify returns "key:<name>" when the request carries a registered API key
// and the client IP otherwise. The key itself never appears in the result.
func (res *Resolver) Identify(r *http.Request) string {
	if res != nil {
		if name, ok := res.keyName(r.Header.Get(APIKeyHeader)); ok {
			return apiKeyPrefix + name
		}
	}
	return res.ClientIP(r)
}

func (res *Resolver) keyName(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for name, secret := range res.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) == 1 {
			return name, true
		}
	}
	return "", false
}

// ClientIP returns the address of the connection. X-Forwarded-For and
// X-Real-IP are only consulted when that address is a trusted proxy; the
// forwarded chain is then walked from the right, skipping trusted hops.
func (res *Resolver) ClientIP(r *http.Request) string {
	remote := remoteIP(r)
	if res == nil || !res.trusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !res.trusted(hop) || i == 0 {
				return hop
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}

func (res *Resolver) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range res.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// withIdentifier stores the identifier the rate limiter charged.
func withIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, identifierKey{}, identifier)
}

// IdentifierFromContext returns the identifier the rate limit middleware
// charged for this request.
func IdentifierFromContext(ctx context.Context) (string, bool) {
	identifier, ok := ctx.Value(identifierKey{}).(string)
	return identifier, ok
}

// RequestIdentifier returns the identifier charged by the rate limit
// middleware, or the connection address when the request was not rate
// limited.
func RequestIdentifier(r *http.Request) string {
	if identifier, ok := IdentifierFromContext(r.Context()); ok {
		return identifier
	}
	return remoteIP(r)
}
