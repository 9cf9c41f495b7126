package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newMiddlewareLimiter(t *testing.T, loginLimit int) *MemoryLimiter {
	t.Helper()
	table, err := NewTable(map[string]EndpointLimit{
		DefaultEndpoint:   {MaxRequests: 60, Window: time.Minute},
		"/api/auth/login": {MaxRequests: loginLimit, Window: time.Minute},
	})
	require.NoError(t, err)
	limiter := NewMemoryLimiter(table)
	t.Cleanup(limiter.Close)
	return limiter
}

func TestMiddleware_AllowedRequest(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 10)
	handler := Middleware(limiter)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", rr.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_DeniedRequest(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 2)
	handler := Middleware(limiter)(http.HandlerFunc(okHandler))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	// Third request should be denied
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.True(t, retryAfter >= 1 && retryAfter <= 61)

	// Verify JSON error body
	var errResp map[string]interface{}
	err = json.NewDecoder(rr.Body).Decode(&errResp)
	require.NoError(t, err)
	assert.Equal(t, "Rate limit exceeded", errResp["message"])
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errResp["code"])
	details, ok := errResp["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/api/auth/login", details["endpoint"])
}

func TestMiddleware_RegisteredAPIKeyIdentifiesCaller(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 1)
	resolver, err := NewResolver(map[string]string{"mobile": "sk_mobile", "web": "sk_web"}, nil)
	require.NoError(t, err)

	var charged []string
	handler := Middleware(limiter, WithResolver(resolver))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier, ok := IdentifierFromContext(r.Context())
		require.True(t, ok)
		charged = append(charged, identifier)
	}))

	send := func(apiKey string) int {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		if apiKey != "" {
			req.Header.Set(APIKeyHeader, apiKey)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, send(""))
	assert.Equal(t, http.StatusTooManyRequests, send(""))

	// Same address, different registered identity
	assert.Equal(t, http.StatusOK, send("sk_mobile"))
	assert.Equal(t, http.StatusTooManyRequests, send("sk_mobile"))
	assert.Equal(t, http.StatusOK, send("sk_web"))

	assert.Equal(t, []string{"192.168.1.1", "key:mobile", "key:web"}, charged)
}

func TestMiddleware_RotatingUnknownKeysSharesAddressBudget(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 10)
	resolver, err := NewResolver(map[string]string{"mobile": "sk_mobile"}, nil)
	require.NoError(t, err)
	handler := Middleware(limiter, WithResolver(resolver))(http.HandlerFunc(okHandler))

	admitted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		req.Header.Set(APIKeyHeader, "made-up-"+strconv.Itoa(i))
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			admitted++
		}
	}

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 1, limiter.Identifiers())
}

func TestResolver_Identify(t *testing.T) {
	resolver, err := NewResolver(
		map[string]string{"mobile": "sk_mobile"},
		[]string{"10.0.0.0/8", "::1"},
	)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:12345", want: "192.0.2.1"},
		{name: "ipv6 remote addr", remote: "[2001:db8::1]:8080", want: "2001:db8::1"},
		{name: "remote addr without port", remote: "192.0.2.1", want: "192.0.2.1"},
		{
			name:    "forwarded headers from untrusted peer are ignored",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50", "X-Real-IP": "203.0.113.51"},
			remote:  "192.0.2.1:12345",
			want:    "192.0.2.1",
		},
		{
			name:    "trusted proxy forwards client",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50"},
			remote:  "10.0.0.1:12345",
			want:    "203.0.113.50",
		},
		{
			name:    "spoofed leftmost hop is skipped",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.50, 10.0.0.7"},
			remote:  "10.0.0.1:12345",
			want:    "203.0.113.50",
		},
		{
			name:    "all hops trusted",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.7"},
			remote:  "[::1]:9000",
			want:    "10.0.0.9",
		},
		{
			name:    "x-real-ip from trusted proxy",
			headers: map[string]string{"X-Real-IP": "203.0.113.51"},
			remote:  "10.0.0.1:12345",
			want:    "203.0.113.51",
		},
		{
			name:    "registered key wins",
			headers: map[string]string{APIKeyHeader: "sk_mobile"},
			remote:  "192.0.2.1:12345",
			want:    "key:mobile",
		},
		{
			name:    "unknown key falls back to address",
			headers: map[string]string{APIKeyHeader: "sk_guess"},
			remote:  "192.0.2.1:12345",
			want:    "192.0.2.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, resolver.Identify(req))
		})
	}
}

func TestResolver_ZeroValueUsesConnectionAddress(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	req.Header.Set(APIKeyHeader, "anything")
	req.Header.Set("X-Forwarded-For", "203.0.113.50")

	var nilResolver *Resolver
	assert.Equal(t, "192.0.2.1", nilResolver.Identify(req))
	assert.Equal(t, "192.0.2.1", RequestIdentifier(req))
}

func TestNewResolver_InvalidProxy(t *testing.T) {
	_, err := NewResolver(nil, []string{"not-an-ip"})
	assert.Error(t, err)
}

func TestMiddleware_OnLimited(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 1)
	var limited []string
	handler := Middleware(limiter, OnLimited(func(r *http.Request, endpoint string) {
		limited = append(limited, endpoint)
	}))(http.HandlerFunc(okHandler))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, []string{"/api/auth/login", "/api/auth/login"}, limited)
}

func TestMiddleware_OnLimitedReportsTableEntry(t *testing.T) {
	limiter := newMiddlewareLimiter(t, 10)
	var limited []string
	handler := Middleware(limiter, OnLimited(func(r *http.Request, endpoint string) {
		limited = append(limited, endpoint)
	}))(http.HandlerFunc(okHandler))

	for i := 0; i < 62; i++ {
		req := httptest.NewRequest("GET", "/api/unlisted", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	// Unlisted paths are reported as the default entry
	assert.Equal(t, []string{DefaultEndpoint, DefaultEndpoint}, limited)
}
