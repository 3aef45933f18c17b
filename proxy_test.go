package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/store"
)

// issueGrant stores a live API key grant for the client.
func issueGrant(t *testing.T, mem *store.MemStore, clientID, apiKey string) {
	t.Helper()
	err := store.SetJSON(context.Background(), mem, store.APIKeys, clientID, auth.Grant{
		APIKey:    apiKey,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func decodeDetail(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode detail body: %v", err)
	}
	return resp.Detail
}

func TestProxyMiddlewarePassthroughOutsidePrefix(t *testing.T) {
	g, _ := newTestGateway(testRules())
	h := g.proxyMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "passed" {
		t.Errorf("non-proxy path was intercepted: %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxyMiddlewareRejections(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	rules := testRules()
	rules.Upstreams = map[string]string{"/api": upstreamSrv.URL}
	g, mem := newTestGateway(rules)
	issueGrant(t, mem, "alice", "api_live_key")
	h := g.proxyMiddleware(http.HandlerFunc(g.handleNotFound))

	tests := []struct {
		name       string
		path       string
		clientID   string
		apiKey     string
		wantStatus int
		wantDetail string
	}{
		{
			"missing client id", "/proxy/api/x", "", "api_live_key",
			http.StatusForbidden, "Missing client id header",
		},
		{
			"missing api key", "/proxy/api/x", "alice", "",
			http.StatusForbidden, "Missing API key header",
		},
		{
			"unknown client", "/proxy/api/x", "mallory", "api_live_key",
			http.StatusForbidden, "Client has no active API key",
		},
		{
			"wrong api key", "/proxy/api/x", "alice", "api_wrong_key",
			http.StatusForbidden, "Invalid API key",
		},
		{
			"no upstream for path", "/proxy/unmapped/x", "alice", "api_live_key",
			http.StatusBadGateway, "No upstream configured for this path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.clientID != "" {
				req.Header.Set("x-requestor-id", tt.clientID)
			}
			if tt.apiKey != "" {
				req.Header.Set("x-api-key", tt.apiKey)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeDetail(t, rec.Body); got != tt.wantDetail {
				t.Errorf("detail = %q, want %q", got, tt.wantDetail)
			}
		})
	}
}

func TestProxyMiddlewareExpiredKey(t *testing.T) {
	rules := testRules()
	rules.Upstreams = map[string]string{"/api": "http://unused.internal"}
	g, mem := newTestGateway(rules)

	err := store.SetJSON(context.Background(), mem, store.APIKeys, "alice", auth.Grant{
		APIKey:    "api_old_key",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	h := g.proxyMiddleware(http.HandlerFunc(g.handleNotFound))
	req := httptest.NewRequest(http.MethodGet, "/proxy/api/x", nil)
	req.Header.Set("x-requestor-id", "alice")
	req.Header.Set("x-api-key", "api_old_key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if got := decodeDetail(t, rec.Body); got != "API key has expired" {
		t.Errorf("detail = %q", got)
	}
}

func TestProxyMiddlewareForwards(t *testing.T) {
	var seen struct {
		method string
		path   string
		query  string
		header string
		body   string
	}
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.query = r.URL.RawQuery
		seen.header = r.Header.Get("x-custom")
		raw, _ := io.ReadAll(r.Body)
		seen.body = string(raw)

		w.Header().Set("x-upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"created":true}`))
	}))
	defer upstreamSrv.Close()

	rules := testRules()
	rules.Upstreams = map[string]string{"/api/v1": upstreamSrv.URL, "/api": "http://other.internal"}
	g, mem := newTestGateway(rules)
	issueGrant(t, mem, "alice", "api_live_key")

	h := g.proxyMiddleware(http.HandlerFunc(g.handleNotFound))
	req := httptest.NewRequest(http.MethodPost, "/proxy/api/v1/things?limit=5",
		strings.NewReader(`{"name":"widget"}`))
	req.Header.Set("x-requestor-id", "alice")
	req.Header.Set("x-api-key", "api_live_key")
	req.Header.Set("x-custom", "carried")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The longest prefix won and was trimmed from the forwarded path.
	if seen.path != "/things" {
		t.Errorf("upstream path = %q, want /things", seen.path)
	}
	if seen.method != http.MethodPost || seen.query != "limit=5" {
		t.Errorf("upstream request = %s ?%s", seen.method, seen.query)
	}
	if seen.header != "carried" {
		t.Errorf("x-custom header = %q, want carried", seen.header)
	}
	if seen.body != `{"name":"widget"}` {
		t.Errorf("upstream body = %q", seen.body)
	}

	// The upstream response is relayed verbatim.
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if rec.Header().Get("x-upstream") != "yes" {
		t.Error("upstream response header not relayed")
	}
	if rec.Body.String() != `{"created":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyMiddlewareRelaysUpstreamErrors(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer upstreamSrv.Close()

	rules := testRules()
	rules.Upstreams = map[string]string{"/api": upstreamSrv.URL}
	g, mem := newTestGateway(rules)
	issueGrant(t, mem, "alice", "api_live_key")

	h := g.proxyMiddleware(http.HandlerFunc(g.handleNotFound))
	req := httptest.NewRequest(http.MethodGet, "/proxy/api/x", nil)
	req.Header.Set("x-requestor-id", "alice")
	req.Header.Set("x-api-key", "api_live_key")

	r2, outcome := withOutcome(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r2)

	// A 4xx from the upstream is the upstream's answer, not a gateway reject.
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418 relayed", rec.Code)
	}
	if outcome.GatewayReject {
		t.Error("upstream 4xx recorded as gateway reject")
	}
	if outcome.UpstreamStatus != http.StatusTeapot {
		t.Errorf("UpstreamStatus = %d, want 418", outcome.UpstreamStatus)
	}
	if outcome.Classify() != "upstream_error" {
		t.Errorf("Classify() = %q, want upstream_error", outcome.Classify())
	}
}

func TestProxyMiddlewareUnreachableUpstream(t *testing.T) {
	// A server that is immediately closed yields a connection error.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	rules := testRules()
	rules.Upstreams = map[string]string{"/api": deadURL}
	g, mem := newTestGateway(rules)
	issueGrant(t, mem, "alice", "api_live_key")

	h := g.proxyMiddleware(http.HandlerFunc(g.handleNotFound))
	req := httptest.NewRequest(http.MethodGet, "/proxy/api/x", nil)
	req.Header.Set("x-requestor-id", "alice")
	req.Header.Set("x-api-key", "api_live_key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if got := decodeDetail(t, rec.Body); got != "Upstream request failed" {
		t.Errorf("detail = %q", got)
	}
}
