package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/store"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/admin", "/admin"},
		{"/admin/", "/admin"},
		{"/admin///", "/admin"},
		{"/", "/"},
		{"", "/"},
		{"/a/b/", "/a/b"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// clearConfigEnv unsets every variable loadConfig reads so tests see only
// what they set themselves.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEKEEPER_CONFIG", "PROXY_PATH", "API_KEY_HEADER", "CLIENT_ID_HEADER",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"CHALLENGE_TTL_SECONDS", "API_KEY_TTL_SECONDS", "UPSTREAM_TTL_SECONDS",
		"UPSTREAM_TIMEOUT_SECONDS", "IP_RATE_LIMIT", "IP_BURST_LIMIT", "PORT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)
	// Point at an empty directory so no stray gatekeeper.yaml is picked up.
	t.Chdir(t.TempDir())

	rules := loadConfig(zap.NewNop())

	if rules.ProxyPath != "/proxy" {
		t.Errorf("ProxyPath = %q, want /proxy", rules.ProxyPath)
	}
	if rules.APIKeyHeader != "x-api-key" {
		t.Errorf("APIKeyHeader = %q, want x-api-key", rules.APIKeyHeader)
	}
	if rules.ClientIDHeader != "x-requestor-id" {
		t.Errorf("ClientIDHeader = %q, want x-requestor-id", rules.ClientIDHeader)
	}
	if rules.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000", rules.ListenAddr)
	}
	if got := rules.TTLs[store.Challenges]; got != 2*time.Minute {
		t.Errorf("challenge TTL = %v, want 2m", got)
	}
	if got := rules.TTLs[store.APIKeys]; got != time.Hour {
		t.Errorf("api key TTL = %v, want 1h", got)
	}
	if len(rules.Upstreams) != 0 {
		t.Errorf("Upstreams = %v, want empty", rules.Upstreams)
	}
	if len(rules.Blacklist) != 0 {
		t.Errorf("Blacklist = %v, want empty", rules.Blacklist)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	clearConfigEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeeper.yaml")
	content := `
proxy_path: /gateway/
api_key_header: x-token
client_id_header: x-client
required_headers:
  x-tenant:
  x-env: production
upstreams:
  /api: http://api.internal
  /api/v1: http://api-v1.internal
blacklisted_paths:
  /admin: []
  /internal/: [get, POST]
ttl_seconds:
  challenges: 90
  api_keys: 7200
redis:
  addr: redis.internal:6379
  db: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEKEEPER_CONFIG", path)

	rules := loadConfig(zap.NewNop())

	if rules.ProxyPath != "/gateway" {
		t.Errorf("ProxyPath = %q, want /gateway (trailing slash trimmed)", rules.ProxyPath)
	}
	if rules.APIKeyHeader != "x-token" || rules.ClientIDHeader != "x-client" {
		t.Errorf("headers = (%q, %q)", rules.APIKeyHeader, rules.ClientIDHeader)
	}

	if v, ok := rules.RequiredHeaders["x-tenant"]; !ok || v != nil {
		t.Errorf("x-tenant = %v, want presence-only (nil)", v)
	}
	if v, ok := rules.RequiredHeaders["x-env"]; !ok || v == nil || *v != "production" {
		t.Errorf("x-env pinned value not loaded")
	}

	if rules.Upstreams["/api/v1"] != "http://api-v1.internal" {
		t.Errorf("Upstreams = %v", rules.Upstreams)
	}

	// Empty method list blocks everything; named methods are upper-cased and
	// the path is normalized.
	if methods := rules.Blacklist["/admin"]; methods == nil || len(methods) != 0 {
		t.Errorf("Blacklist[/admin] = %v, want empty set", methods)
	}
	if methods := rules.Blacklist["/internal"]; !methods["GET"] || !methods["POST"] {
		t.Errorf("Blacklist[/internal] = %v, want GET and POST", methods)
	}

	if got := rules.TTLs[store.Challenges]; got != 90*time.Second {
		t.Errorf("challenge TTL = %v, want 90s", got)
	}
	if got := rules.TTLs[store.APIKeys]; got != 2*time.Hour {
		t.Errorf("api key TTL = %v, want 2h", got)
	}

	if rules.RedisAddr != "redis.internal:6379" || rules.RedisDB != 2 {
		t.Errorf("redis = (%q, %d)", rules.RedisAddr, rules.RedisDB)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Chdir(t.TempDir())

	t.Setenv("PROXY_PATH", "/p")
	t.Setenv("API_KEY_HEADER", "authorization")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("CHALLENGE_TTL_SECONDS", "45")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "5")
	t.Setenv("IP_RATE_LIMIT", "2.5")
	t.Setenv("IP_BURST_LIMIT", "7")
	t.Setenv("PORT", "9090")

	rules := loadConfig(zap.NewNop())

	if rules.ProxyPath != "/p" {
		t.Errorf("ProxyPath = %q", rules.ProxyPath)
	}
	if rules.APIKeyHeader != "authorization" {
		t.Errorf("APIKeyHeader = %q", rules.APIKeyHeader)
	}
	if rules.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", rules.RedisAddr)
	}
	if got := rules.TTLs[store.Challenges]; got != 45*time.Second {
		t.Errorf("challenge TTL = %v", got)
	}
	if rules.UpstreamTimeout != 5*time.Second {
		t.Errorf("UpstreamTimeout = %v", rules.UpstreamTimeout)
	}
	if float64(rules.IPRateLimit) != 2.5 || rules.IPBurstLimit != 7 {
		t.Errorf("rate limit = (%v, %d)", rules.IPRateLimit, rules.IPBurstLimit)
	}
	if rules.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", rules.ListenAddr)
	}
}
