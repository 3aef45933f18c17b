package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/auth"
)

// maxBodySize caps challenge endpoint bodies to prevent memory exhaustion.
const maxBodySize = 1 << 20 // 1MB

// challengeRequest is the POST /challenge/ body.
type challengeRequest struct {
	ClientID string `json:"client_id"`
}

// handleChallenge issues a challenge for a registered client.
func (g *gateway) handleChallenge(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if len(req.ClientID) < 3 || len(req.ClientID) > 64 {
		writeDetail(w, http.StatusBadRequest, "client_id must be 3-64 characters")
		return
	}

	ch, err := g.auth.IssueChallenge(r.Context(), req.ClientID)
	if err != nil {
		g.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleChallengeVerify exchanges a signed challenge for an API key grant.
func (g *gateway) handleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req auth.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ClientID == "" || req.ChallengeID == "" || req.Signature == "" {
		writeDetail(w, http.StatusBadRequest, "challenge_id, client_id and signature are required")
		return
	}

	grant, err := g.auth.Verify(r.Context(), req)
	if err != nil {
		g.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// writeAuthError translates protocol error kinds to HTTP statuses. This is
// the only place that inspects kinds; nothing deeper in the stack does.
func (g *gateway) writeAuthError(w http.ResponseWriter, err error) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		status := http.StatusNotFound
		switch authErr.Kind {
		case auth.KindChallengeMismatch, auth.KindChallengeExpired:
			status = http.StatusBadRequest
		case auth.KindNotVerified:
			status = http.StatusForbidden
		}
		writeDetail(w, status, authErr.Error())
		return
	}
	g.logger.Error("challenge operation failed", zap.Error(err))
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

// handleNotFound terminates non-proxy paths the gateway doesn't serve.
func (g *gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeDetail(w, http.StatusNotFound, "Not found")
}

// handleHealth is the liveness probe.
func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthChecks.WithLabelValues("liveness", "healthy").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(serverStartTime).String(),
	})
}

// handleReadiness reports whether the gateway can serve traffic: the
// credential store must be reachable.
func (g *gateway) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	deps := map[string]string{"credential_store": "up"}

	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("credential store unreachable", zap.Error(err))
		status = "unhealthy"
		deps["credential_store"] = "down"
	}

	healthChecks.WithLabelValues("readiness", status).Inc()

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

var serverStartTime = time.Now()
