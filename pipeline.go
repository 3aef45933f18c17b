package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is the per-request state set by whichever pipeline stage
// short-circuits (or by the proxy stage on a relayed upstream response). It
// is consumed only by the metrics middleware and is never fatal.
type Outcome struct {
	GatewayReject  bool
	Reason         string
	UpstreamStatus int
}

// Classify maps the recorded state to the metrics outcome label.
func (o *Outcome) Classify() string {
	switch {
	case o.GatewayReject:
		return "gateway_reject"
	case o.UpstreamStatus >= 400 && o.UpstreamStatus < 600:
		return "upstream_error"
	default:
		return "success"
	}
}

type outcomeKey struct{}

// withOutcome attaches a fresh Outcome to the request context.
func withOutcome(r *http.Request) (*http.Request, *Outcome) {
	o := &Outcome{}
	return r.WithContext(context.WithValue(r.Context(), outcomeKey{}, o)), o
}

// outcomeFrom returns the request's Outcome, or a throwaway one when the
// metrics middleware is not installed (tests exercising a single stage).
func outcomeFrom(r *http.Request) *Outcome {
	if o, ok := r.Context().Value(outcomeKey{}).(*Outcome); ok {
		return o
	}
	return &Outcome{}
}

// writeJSON writes a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDetail writes the uniform {"detail": ...} error body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// reject short-circuits the request: records the outcome, bumps the
// rejection counter and writes the error body.
func reject(w http.ResponseWriter, o *Outcome, status int, reason, detail string) {
	o.GatewayReject = true
	o.Reason = reason
	gatewayRejections.WithLabelValues(reason).Inc()
	writeDetail(w, status, detail)
}

// secureCompare performs constant-time string comparison to prevent timing
// attacks on credential checks.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// blacklistMiddleware rejects requests to configured paths with 403. An
// entry with an empty method set blocks every method.
func (g *gateway) blacklistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := normalizePath(r.URL.Path)
		methods, blocked := g.rules.Blacklist[path]
		if blocked && (len(methods) == 0 || methods[strings.ToUpper(r.Method)]) {
			g.logger.Warn("blocking request to blacklisted path",
				zap.String("method", r.Method),
				zap.String("path", path),
			)
			reject(w, outcomeFrom(r), http.StatusForbidden, "blacklist",
				"Access to this path is forbidden.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requiredHeadersMiddleware rejects requests missing a configured header, or
// carrying the wrong value when one is pinned. The body never names the
// offending headers.
func (g *gateway) requiredHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for name, expected := range g.rules.RequiredHeaders {
			got := r.Header.Get(name)
			if got == "" || (expected != nil && got != *expected) {
				g.logger.Warn("request missing or mismatching required header",
					zap.String("header", name),
					zap.String("path", r.URL.Path),
				)
				reject(w, outcomeFrom(r), http.StatusBadRequest, "required_headers",
					"Missing required headers")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware allocates the request Outcome, times the request and
// records the counters with the classified outcome label.
func (g *gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		r, outcome := withOutcome(r)
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", rw.statusCode)
		label := outcome.Classify()

		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status, label).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path, label).Observe(duration)
	})
}

// panicRecoveryMiddleware catches panics in the pipeline and converts them
// to a 500 without killing the process.
func (g *gateway) panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicsRecovered.Inc()
				g.logger.Error("panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("stack", string(debug.Stack())),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Maximum number of IP rate limiters to prevent memory exhaustion DoS.
const maxIPRateLimiters = 10000

// IPRateLimiter manages per-IP token buckets with bounded size and periodic
// cleanup.
type IPRateLimiter struct {
	limiters map[string]*rateLimiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new per-IP rate limiter.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the limiter for the given IP, creating one if needed.
// At capacity the least-recently-seen entry is evicted first.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, exists := i.limiters[ip]
	if !exists {
		if len(i.limiters) >= maxIPRateLimiters {
			var oldestIP string
			var oldestTime time.Time
			for ip, entry := range i.limiters {
				if oldestIP == "" || entry.lastSeen.Before(oldestTime) {
					oldestIP = ip
					oldestTime = entry.lastSeen
				}
			}
			if oldestIP != "" {
				delete(i.limiters, oldestIP)
			}
		}

		limiter := rate.NewLimiter(i.rate, i.burst)
		i.limiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	entry.lastSeen = time.Now()
	return entry.limiter
}

// Cleanup removes limiters that haven't been used within maxAge.
func (i *IPRateLimiter) Cleanup(maxAge time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(i.limiters, ip)
			cleaned++
		}
	}
	return cleaned
}

// getClientIP extracts the real client IP, handling X-Forwarded-For.
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return ip
}

// rateLimitMiddleware applies per-IP token bucket limiting. Probe and
// metrics endpoints are exempt.
func (g *gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/readiness", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		if !g.ipRateLimiter.GetLimiter(clientIP).Allow() {
			rateLimitRejected.WithLabelValues(r.URL.Path).Inc()
			g.logger.Warn("per-IP rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("endpoint", r.URL.Path),
			)
			writeDetail(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
