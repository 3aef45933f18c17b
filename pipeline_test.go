package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/store"
)

// testRules returns a permissive rule set suitable for exercising a single
// stage. Tests tighten the fields they care about.
func testRules() *GatewayRuleSet {
	return &GatewayRuleSet{
		RequiredHeaders: map[string]*string{},
		ProxyPath:       "/proxy",
		APIKeyHeader:    "x-api-key",
		ClientIDHeader:  "x-requestor-id",
		Upstreams:       map[string]string{},
		Blacklist:       map[string]map[string]bool{},
		TTLs:            store.DefaultTTLs(),
		UpstreamTimeout: 5 * time.Second,
		IPRateLimit:     1000,
		IPBurstLimit:    1000,
	}
}

func newTestGateway(rules *GatewayRuleSet) (*gateway, *store.MemStore) {
	mem := store.NewMemStore(rules.TTLs)
	return newGateway(rules, mem, zap.NewNop()), mem
}

// okHandler marks that the pipeline let the request through.
func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("passed"))
	})
}

func TestOutcomeClassify(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    string
	}{
		{"default", Outcome{}, "success"},
		{"gateway reject", Outcome{GatewayReject: true, Reason: "blacklist"}, "gateway_reject"},
		{"upstream 2xx", Outcome{UpstreamStatus: 200}, "success"},
		{"upstream 404", Outcome{UpstreamStatus: 404}, "upstream_error"},
		{"upstream 503", Outcome{UpstreamStatus: 503}, "upstream_error"},
		{"reject wins over upstream status", Outcome{GatewayReject: true, UpstreamStatus: 502}, "gateway_reject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Classify(); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "secres", false},
		{"secret", "secret1", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		if got := secureCompare(tt.a, tt.b); got != tt.want {
			t.Errorf("secureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBlacklistMiddleware(t *testing.T) {
	rules := testRules()
	rules.Blacklist = map[string]map[string]bool{
		"/admin":    {},
		"/internal": {"GET": true},
	}
	g, _ := newTestGateway(rules)
	h := g.blacklistMiddleware(okHandler())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"empty set blocks GET", http.MethodGet, "/admin", http.StatusForbidden},
		{"empty set blocks POST", http.MethodPost, "/admin", http.StatusForbidden},
		{"empty set blocks DELETE", http.MethodDelete, "/admin", http.StatusForbidden},
		{"trailing slash normalized", http.MethodGet, "/admin/", http.StatusForbidden},
		{"listed method blocked", http.MethodGet, "/internal", http.StatusForbidden},
		{"unlisted method allowed", http.MethodPost, "/internal", http.StatusOK},
		{"other path allowed", http.MethodGet, "/public", http.StatusOK},
		{"prefix alone is not a match", http.MethodGet, "/admin/sub", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden &&
				!strings.Contains(rec.Body.String(), "forbidden") {
				t.Errorf("body = %q, want forbidden detail", rec.Body.String())
			}
		})
	}
}

func TestRequiredHeadersMiddleware(t *testing.T) {
	pinned := "expected-value"
	rules := testRules()
	rules.RequiredHeaders = map[string]*string{
		"x-tenant": nil,
		"x-env":    &pinned,
	}
	g, _ := newTestGateway(rules)
	h := g.requiredHeadersMiddleware(okHandler())

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{
			"all present and matching",
			map[string]string{"x-tenant": "acme", "x-env": "expected-value"},
			http.StatusOK,
		},
		{
			"missing presence-only header",
			map[string]string{"x-env": "expected-value"},
			http.StatusBadRequest,
		},
		{
			"missing pinned header",
			map[string]string{"x-tenant": "acme"},
			http.StatusBadRequest,
		},
		{
			"pinned value mismatch",
			map[string]string{"x-tenant": "acme", "x-env": "wrong"},
			http.StatusBadRequest,
		},
		{
			"presence-only accepts any value",
			map[string]string{"x-tenant": "anything", "x-env": "expected-value"},
			http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/any", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			// The body must not leak which header failed.
			if tt.wantStatus == http.StatusBadRequest {
				body := rec.Body.String()
				if strings.Contains(body, "x-tenant") || strings.Contains(body, "x-env") {
					t.Errorf("body leaks header names: %q", body)
				}
			}
		})
	}
}

func TestRequiredHeadersEmptyConfigPassesAll(t *testing.T) {
	g, _ := newTestGateway(testRules())
	h := g.requiredHeadersMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/any", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	g, _ := newTestGateway(testRules())
	h := g.panicRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rules := testRules()
	rules.IPRateLimit = 1
	rules.IPBurstLimit = 2
	g, _ := newTestGateway(rules)
	h := g.rateLimitMiddleware(okHandler())

	send := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":12345"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// The burst is consumed, then requests are rejected.
	if code := send("/x", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := send("/x", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("second request status = %d", code)
	}
	if code := send("/x", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}

	// A different IP has its own bucket.
	if code := send("/x", "10.0.0.2"); code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", code)
	}

	// Probe endpoints are exempt.
	for i := 0; i < 5; i++ {
		if code := send("/health", "10.0.0.1"); code != http.StatusOK {
			t.Errorf("/health status = %d, want exempt", code)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.168.1.10:54321", nil, "192.168.1.10"},
		{
			"x-forwarded-for first hop",
			"10.0.0.1:1234",
			map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			"203.0.113.7",
		},
		{
			"x-real-ip",
			"10.0.0.1:1234",
			map[string]string{"X-Real-IP": "203.0.113.9"},
			"203.0.113.9",
		},
		{
			"xff beats x-real-ip",
			"10.0.0.1:1234",
			map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "203.0.113.9"},
			"203.0.113.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	l.GetLimiter("10.0.0.1")
	l.GetLimiter("10.0.0.2")

	if cleaned := l.Cleanup(time.Hour); cleaned != 0 {
		t.Errorf("Cleanup(1h) = %d, want 0", cleaned)
	}
	if cleaned := l.Cleanup(-time.Second); cleaned != 2 {
		t.Errorf("Cleanup(-1s) = %d, want 2", cleaned)
	}
}
