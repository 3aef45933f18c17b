package main

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/store"
)

// proxyMiddleware is the final pipeline stage. Requests outside the proxy
// path prefix pass through untouched; requests under it must present a valid
// client id / API key pair and are forwarded to the resolved upstream, whose
// response is relayed verbatim.
func (g *gateway) proxyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, g.rules.ProxyPath) {
			next.ServeHTTP(w, r)
			return
		}

		outcome := outcomeFrom(r)

		clientID := r.Header.Get(g.rules.ClientIDHeader)
		if clientID == "" {
			reject(w, outcome, http.StatusForbidden, "missing_client_id",
				"Missing client id header")
			return
		}
		apiKey := r.Header.Get(g.rules.APIKeyHeader)
		if apiKey == "" {
			reject(w, outcome, http.StatusForbidden, "missing_api_key",
				"Missing API key header")
			return
		}

		grant, found, err := store.GetJSON[auth.Grant](r.Context(), g.store, store.APIKeys, clientID)
		if err != nil {
			g.logger.Error("api key lookup failed",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
			reject(w, outcome, http.StatusForbidden, "unknown_client",
				"Client has no active API key")
			return
		}
		if !found {
			reject(w, outcome, http.StatusForbidden, "unknown_client",
				"Client has no active API key")
			return
		}
		if !secureCompare(apiKey, grant.APIKey) {
			reject(w, outcome, http.StatusForbidden, "invalid_api_key",
				"Invalid API key")
			return
		}
		// Explicit deadline check; the store TTL is only a backstop.
		if !g.now().UTC().Before(grant.ExpiresAt) {
			reject(w, outcome, http.StatusForbidden, "expired_api_key",
				"API key has expired")
			return
		}

		inner := strings.TrimPrefix(r.URL.Path, g.rules.ProxyPath)
		baseURL, trimmed, ok := g.resolver.Resolve(r.Context(), inner)
		if !ok {
			reject(w, outcome, http.StatusBadGateway, "no_upstream",
				"No upstream configured for this path")
			return
		}

		g.forward(w, r, outcome, baseURL, trimmed)
	})
}

// forward relays the request to the upstream and the upstream's response
// back to the client. Upstream 4xx/5xx responses are relayed verbatim with
// the upstream's status; only transport-level failures become a gateway 502.
func (g *gateway) forward(w http.ResponseWriter, r *http.Request, outcome *Outcome, baseURL, trimmed string) {
	target := strings.TrimRight(baseURL, "/") + trimmed
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		g.logger.Error("building upstream request failed",
			zap.String("target", target),
			zap.Error(err),
		)
		reject(w, outcome, http.StatusBadGateway, "upstream_error",
			"Upstream request failed")
		return
	}
	// Forward headers minus the hop-specific Host; the transport sets the
	// upstream's own.
	req.Header = r.Header.Clone()
	req.Header.Del("Host")

	resp, err := g.upstreamClient.Do(req)
	if err != nil {
		g.logger.Warn("upstream unreachable",
			zap.String("target", target),
			zap.Error(err),
		)
		reject(w, outcome, http.StatusBadGateway, "upstream_error",
			"Upstream request failed")
		return
	}
	defer resp.Body.Close()

	outcome.UpstreamStatus = resp.StatusCode

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Warn("relaying upstream body failed",
			zap.String("target", target),
			zap.Error(err),
		)
	}
}
