// Package upstream resolves request paths to backend base URLs. The
// effective mapping merges the static configuration with dynamically
// registered entries from the shared store (dynamic wins on collision),
// refreshed with bounded staleness. Matching is longest-prefix-wins.
package upstream

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/store"
)

// DefaultStaleness is how long a merged mapping is served before the dynamic
// half is re-fetched.
const DefaultStaleness = 30 * time.Second

// Mapping is a dynamic registration record stored under the UPSTREAMS
// namespace.
type Mapping struct {
	Prefix  string `json:"prefix"`
	BaseURL string `json:"base_url"`
}

// snapshot is an immutable merged mapping. Readers only ever observe a fully
// built snapshot; refreshes swap the pointer atomically.
type snapshot struct {
	merged    map[string]string
	fetchedAt time.Time
}

// Resolver performs longest-prefix routing over the merged static+dynamic
// upstream mapping.
type Resolver struct {
	static    map[string]string
	store     store.Store
	logger    *zap.Logger
	staleness time.Duration
	now       func() time.Time
	snap      atomic.Pointer[snapshot]

	refreshFailed func() // telemetry hook, may be nil
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStaleness overrides the refresh window.
func WithStaleness(d time.Duration) Option {
	return func(r *Resolver) { r.staleness = d }
}

// WithNow replaces the clock. Test hook.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithRefreshFailureHook registers a callback invoked whenever a dynamic
// refresh fails and the resolver falls back to stale data.
func WithRefreshFailureHook(fn func()) Option {
	return func(r *Resolver) { r.refreshFailed = fn }
}

// NewResolver builds a Resolver over the static mapping and the store's
// UPSTREAMS namespace.
func NewResolver(static map[string]string, st store.Store, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		static:    static,
		store:     st,
		logger:    logger,
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the base URL and trimmed path for the best-matching
// prefix, or ok=false when nothing matches. path is the portion after the
// proxy prefix and may or may not start with "/".
func (r *Resolver) Resolve(ctx context.Context, path string) (baseURL, trimmed string, ok bool) {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	merged := r.merged(ctx)

	// Longest prefix wins; on an (unexpected) length tie the
	// lexicographically smallest prefix is chosen so the result is
	// deterministic regardless of map iteration order.
	matched := false
	var bestPrefix, bestURL string
	for prefix, url := range merged {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if !matched ||
			len(prefix) > len(bestPrefix) ||
			(len(prefix) == len(bestPrefix) && prefix < bestPrefix) {
			matched = true
			bestPrefix, bestURL = prefix, url
		}
	}
	if !matched {
		return "", "", false
	}

	// The empty prefix is a catch-all default route and passes the path
	// through unchanged.
	if bestPrefix == "" {
		return bestURL, path, true
	}

	trimmed = path[len(bestPrefix):]
	if trimmed == "" {
		trimmed = "/"
	} else if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return bestURL, trimmed, true
}

// merged returns the current snapshot, refreshing the dynamic half when the
// staleness window has elapsed. Racing refreshes are benign: the merge is
// idempotent and either result is an acceptable cache value.
func (r *Resolver) merged(ctx context.Context) map[string]string {
	if snap := r.snap.Load(); snap != nil && r.now().Sub(snap.fetchedAt) < r.staleness {
		return snap.merged
	}

	dynamic, err := r.fetchDynamic(ctx)
	if err != nil {
		if r.refreshFailed != nil {
			r.refreshFailed()
		}
		r.logger.Warn("dynamic upstream refresh failed, serving stale mapping", zap.Error(err))
		if snap := r.snap.Load(); snap != nil {
			return snap.merged
		}
		// No cache yet: static-only. Not stored, so the next call retries.
		return r.static
	}

	merged := make(map[string]string, len(r.static)+len(dynamic))
	for prefix, url := range r.static {
		merged[prefix] = url
	}
	for prefix, url := range dynamic {
		merged[prefix] = url
	}

	r.snap.Store(&snapshot{merged: merged, fetchedAt: r.now()})
	return merged
}

func (r *Resolver) fetchDynamic(ctx context.Context) (map[string]string, error) {
	raw, err := r.store.GetAll(ctx, store.Upstreams)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for key, val := range raw {
		var m Mapping
		if err := json.Unmarshal([]byte(val), &m); err != nil {
			r.logger.Warn("skipping malformed upstream registration",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		out[m.Prefix] = m.BaseURL
	}
	return out, nil
}
