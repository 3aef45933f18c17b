package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/store"
	"gatekeeper/internal/upstream"
)

// gateway bundles the immutable rule set with the components the pipeline
// stages depend on. One instance serves all requests.
type gateway struct {
	rules          *GatewayRuleSet
	logger         *zap.Logger
	store          store.Store
	resolver       *upstream.Resolver
	auth           *auth.Service
	ipRateLimiter  *IPRateLimiter
	upstreamClient *http.Client
	now            func() time.Time
}

// newGateway wires a gateway from its rule set and credential store.
func newGateway(rules *GatewayRuleSet, st store.Store, logger *zap.Logger) *gateway {
	resolver := upstream.NewResolver(rules.Upstreams, st, logger,
		upstream.WithRefreshFailureHook(upstreamRefreshFailures.Inc),
	)
	return &gateway{
		rules:          rules,
		logger:         logger,
		store:          st,
		resolver:       resolver,
		auth:           auth.NewService(st, logger, promAuthMetrics{}),
		ipRateLimiter:  NewIPRateLimiter(rules.IPRateLimit, rules.IPBurstLimit),
		upstreamClient: &http.Client{Timeout: rules.UpstreamTimeout},
		now:            time.Now,
	}
}

// handler assembles the full request pipeline: every request passes the
// blacklist and required-header stages; requests under the proxy prefix are
// authenticated and forwarded; everything else falls through to the
// gateway's own endpoints.
func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /challenge/{$}", g.handleChallenge)
	mux.HandleFunc("POST /challenge/verify", g.handleChallengeVerify)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /readiness", g.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", g.handleNotFound)

	var h http.Handler = mux
	h = g.proxyMiddleware(h)
	h = g.requiredHeadersMiddleware(h)
	h = g.blacklistMiddleware(h)
	h = g.rateLimitMiddleware(h)
	h = g.metricsMiddleware(h)
	h = g.panicRecoveryMiddleware(h)
	return h
}

// newLogger builds the process logger from LOG_LEVEL / LOG_FORMAT.
func newLogger() *zap.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var zapConfig zap.Config
	if os.Getenv("LOG_FORMAT") == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	rules := loadConfig(logger)

	var st store.Store
	if rules.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     rules.RedisAddr,
			Password: rules.RedisPassword,
			DB:       rules.RedisDB,
		})
		st = store.NewRedisStore(client, rules.TTLs)
	} else {
		// Single-process fallback. Credentials and dynamic upstreams are
		// not shared with other gateway instances in this mode.
		logger.Warn("REDIS_ADDR not set, using in-memory credential store")
		st = store.NewMemStore(rules.TTLs)
	}

	g := newGateway(rules, st, logger)

	logger.Info("Gatekeeper starting",
		zap.String("addr", rules.ListenAddr),
		zap.String("proxy_path", rules.ProxyPath),
		zap.String("api_key_header", rules.APIKeyHeader),
		zap.String("client_id_header", rules.ClientIDHeader),
		zap.Int("static_upstreams", len(rules.Upstreams)),
		zap.Int("blacklisted_paths", len(rules.Blacklist)),
		zap.Duration("challenge_ttl", rules.TTLs[store.Challenges]),
		zap.Duration("api_key_ttl", rules.TTLs[store.APIKeys]),
	)

	httpServer := &http.Server{
		Addr:         rules.ListenAddr,
		Handler:      g.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: rules.UpstreamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if cleaned := g.ipRateLimiter.Cleanup(10 * time.Minute); cleaned > 0 {
					logger.Debug("cleaned idle rate limiters", zap.Int("count", cleaned))
				}
			case <-shutdownChan:
				return
			}
		}
	}()

	serverDone := make(chan struct{})
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
		close(serverDone)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	close(shutdownChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
	<-serverDone

	logger.Info("Server shutdown complete")
}
