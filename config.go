package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"gatekeeper/internal/store"
)

// GatewayRuleSet is the process-wide, read-only request admission
// configuration. It is constructed once at startup and passed by reference
// into the pipeline stages; nothing mutates it afterwards, so concurrent
// reads need no locking. The one runtime-mutable piece (the upstream cache)
// lives in the resolver, not here.
type GatewayRuleSet struct {
	// RequiredHeaders maps header name to an optional expected value. A nil
	// value only requires presence; a non-nil value must match exactly.
	RequiredHeaders map[string]*string
	// ProxyPath is the path prefix that engages the proxy stage.
	ProxyPath string
	// APIKeyHeader and ClientIDHeader name the credential headers.
	APIKeyHeader   string
	ClientIDHeader string
	// Upstreams is the static prefix -> base URL mapping.
	Upstreams map[string]string
	// Blacklist maps a normalized path to the set of blocked methods; an
	// empty set blocks every method.
	Blacklist map[string]map[string]bool
	// TTLs is the per-namespace credential store expiry policy.
	TTLs store.TTLs

	// Server-level settings.
	ListenAddr      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	UpstreamTimeout time.Duration

	// Per-IP rate limiting.
	IPRateLimit  rate.Limit
	IPBurstLimit int
}

// fileConfig mirrors gatekeeper.yaml. Option names match the recognized
// configuration surface; unknown keys are ignored.
type fileConfig struct {
	RequiredHeaders  map[string]*string  `yaml:"required_headers"`
	ProxyPath        string              `yaml:"proxy_path"`
	APIKeyHeader     string              `yaml:"api_key_header"`
	ClientIDHeader   string              `yaml:"client_id_header"`
	Upstreams        map[string]string   `yaml:"upstreams"`
	BlacklistedPaths map[string][]string `yaml:"blacklisted_paths"`
	TTLSeconds       map[string]int      `yaml:"ttl_seconds"`
	Redis            struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// normalizePath applies the blacklist normalization rule: trailing slashes
// trimmed, empty becomes "/".
func normalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// loadConfig assembles the rule set from gatekeeper.yaml (or the file named
// by GATEKEEPER_CONFIG) overridden by environment variables. Invalid values
// are fatal; the gateway refuses to start half-configured.
func loadConfig(logger *zap.Logger) *GatewayRuleSet {
	logFatal := func(msg string, args ...interface{}) {
		if logger != nil {
			logger.Fatal(fmt.Sprintf(msg, args...))
		} else {
			log.Fatalf(msg, args...)
		}
	}
	logWarn := func(msg string, args ...interface{}) {
		if logger != nil {
			logger.Warn(fmt.Sprintf(msg, args...))
		} else {
			log.Printf("WARNING: "+msg, args...)
		}
	}

	var fc fileConfig
	path := os.Getenv("GATEKEEPER_CONFIG")
	if path == "" {
		path = "gatekeeper.yaml"
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			logFatal("Invalid config file %s: %v", path, err)
		}
	} else if os.Getenv("GATEKEEPER_CONFIG") != "" {
		// An explicitly named file must exist; the default is optional.
		logFatal("Cannot read config file %s: %v", path, err)
	} else {
		logWarn("No %s found, using defaults and environment", path)
	}

	rules := &GatewayRuleSet{
		RequiredHeaders: fc.RequiredHeaders,
		ProxyPath:       fc.ProxyPath,
		APIKeyHeader:    fc.APIKeyHeader,
		ClientIDHeader:  fc.ClientIDHeader,
		Upstreams:       fc.Upstreams,
		TTLs:            store.DefaultTTLs(),
		RedisAddr:       fc.Redis.Addr,
		RedisPassword:   fc.Redis.Password,
		RedisDB:         fc.Redis.DB,
		UpstreamTimeout: 30 * time.Second,
		IPRateLimit:     10,
		IPBurstLimit:    20,
	}
	if rules.RequiredHeaders == nil {
		rules.RequiredHeaders = map[string]*string{}
	}
	if rules.Upstreams == nil {
		rules.Upstreams = map[string]string{}
	}

	// Blacklist entries are normalized once here so the hot path only does
	// map lookups.
	rules.Blacklist = make(map[string]map[string]bool, len(fc.BlacklistedPaths))
	for p, methods := range fc.BlacklistedPaths {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			set[strings.ToUpper(m)] = true
		}
		rules.Blacklist[normalizePath(p)] = set
	}

	for name, seconds := range fc.TTLSeconds {
		ns := store.Namespace(strings.ToUpper(name))
		switch ns {
		case store.Users, store.Challenges, store.APIKeys, store.Upstreams:
			rules.TTLs[ns] = time.Duration(seconds) * time.Second
		default:
			logWarn("Ignoring ttl_seconds entry for unknown namespace %q", name)
		}
	}

	if rules.ProxyPath == "" {
		rules.ProxyPath = "/proxy"
	}
	if v := os.Getenv("PROXY_PATH"); v != "" {
		rules.ProxyPath = v
	}
	if !strings.HasPrefix(rules.ProxyPath, "/") {
		logFatal("proxy_path must start with '/', got %q", rules.ProxyPath)
	}
	rules.ProxyPath = strings.TrimRight(rules.ProxyPath, "/")

	if rules.APIKeyHeader == "" {
		rules.APIKeyHeader = "x-api-key"
	}
	if v := os.Getenv("API_KEY_HEADER"); v != "" {
		rules.APIKeyHeader = v
	}
	if rules.ClientIDHeader == "" {
		rules.ClientIDHeader = "x-requestor-id"
	}
	if v := os.Getenv("CLIENT_ID_HEADER"); v != "" {
		rules.ClientIDHeader = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		rules.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		rules.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &rules.RedisDB); err != nil {
			logFatal("Invalid REDIS_DB: %v", err)
		}
	}

	parseTTL := func(env string, ns store.Namespace) {
		if v := os.Getenv(env); v != "" {
			var seconds int
			if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil {
				logFatal("Invalid %s: %v", env, err)
			}
			rules.TTLs[ns] = time.Duration(seconds) * time.Second
		}
	}
	parseTTL("CHALLENGE_TTL_SECONDS", store.Challenges)
	parseTTL("API_KEY_TTL_SECONDS", store.APIKeys)
	parseTTL("UPSTREAM_TTL_SECONDS", store.Upstreams)
	if rules.TTLs[store.Challenges] <= 0 {
		logFatal("CHALLENGES namespace requires a positive TTL")
	}
	if rules.TTLs[store.APIKeys] <= 0 {
		logFatal("API_KEYS namespace requires a positive TTL")
	}

	if v := os.Getenv("UPSTREAM_TIMEOUT_SECONDS"); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err != nil {
			logFatal("Invalid UPSTREAM_TIMEOUT_SECONDS: %v", err)
		}
		rules.UpstreamTimeout = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("IP_RATE_LIMIT"); v != "" {
		var limit float64
		if _, err := fmt.Sscanf(v, "%f", &limit); err != nil {
			logFatal("Invalid IP_RATE_LIMIT: %v", err)
		}
		rules.IPRateLimit = rate.Limit(limit)
	}
	if v := os.Getenv("IP_BURST_LIMIT"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &rules.IPBurstLimit); err != nil {
			logFatal("Invalid IP_BURST_LIMIT: %v", err)
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}
	rules.ListenAddr = ":" + strings.TrimPrefix(port, ":")

	return rules
}
