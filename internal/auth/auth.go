// Package auth implements the challenge-response protocol and API key
// issuance. A client with a registered public key requests a challenge,
// signs it, and exchanges the signature for a time-bound API key.
//
// Per-client state machine: NoChallenge -> Active -> {Consumed | Expired}.
// Issuing a new challenge while one is active overwrites it.
package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/curveauth"
	"gatekeeper/internal/store"
)

// Kind discriminates protocol failures. Handlers translate kinds to HTTP
// statuses; business logic only ever returns them.
type Kind int

const (
	// KindClientNotFound covers both an unregistered client id and a
	// missing challenge record. The store's TTL makes "never issued" and
	// "already expired or consumed" indistinguishable, which is intentional.
	KindClientNotFound Kind = iota
	// KindChallengeMismatch means the presented challenge id does not match
	// the stored one (e.g. a stale id after re-issue).
	KindChallengeMismatch
	// KindChallengeExpired means the stored challenge's deadline has passed
	// even though the store has not evicted it yet.
	KindChallengeExpired
	// KindNotVerified means the signature did not verify against the
	// client's registered public key.
	KindNotVerified
)

// Error is the structured protocol error carrying a Kind.
type Error struct {
	Kind     Kind
	ClientID string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindChallengeMismatch:
		return "Challenge ID mismatch"
	case KindChallengeExpired:
		return "Challenge has expired"
	case KindNotVerified:
		return fmt.Sprintf("Challenge for client '%s' could not be verified.", e.ClientID)
	default:
		return fmt.Sprintf("Client '%s' not found.", e.ClientID)
	}
}

// Challenge is the record stored under CHALLENGES[client_id] and returned to
// the client. At most one live challenge exists per client.
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	Challenge   string    `json:"challenge"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Grant is the record stored under API_KEYS[client_id] and returned on
// successful verification.
type Grant struct {
	APIKey    string    `json:"api_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User is the provisioning record under USERS[client_id], created
// out-of-band. PublicKey is the base64 raw-encoded curve point.
type User struct {
	PublicKey string           `json:"public_key"`
	Scheme    curveauth.Scheme `json:"scheme"`
}

// VerifyRequest carries a client's signed challenge response.
type VerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	ClientID    string `json:"client_id"`
	Signature   string `json:"signature"`
}

// Metrics receives protocol outcome events. The gateway wires this to its
// Prometheus counters; tests use a recording stub.
type Metrics interface {
	ChallengeCreated(clientID string)
	VerificationAttempt(clientID string)
	VerificationFailure(reason string)
	APIKeyIssued(clientID string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) ChallengeCreated(string)    {}
func (NopMetrics) VerificationAttempt(string) {}
func (NopMetrics) VerificationFailure(string) {}
func (NopMetrics) APIKeyIssued(string)        {}

// apiKeyPrefix prefixes every issued bearer token.
const apiKeyPrefix = "api"

// Service drives challenge issuance and verification against a Store.
type Service struct {
	store   store.Store
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

// NewService builds a Service. metrics may be nil.
func NewService(st store.Store, logger *zap.Logger, metrics Metrics) *Service {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Service{store: st, logger: logger, metrics: metrics, now: time.Now}
}

// SetNow replaces the clock. Test hook for expiry behavior.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// IssueChallenge creates a single-use, time-bound challenge for the client,
// overwriting any prior one. Fails with KindClientNotFound when the client
// has no registered public key.
func (s *Service) IssueChallenge(ctx context.Context, clientID string) (*Challenge, error) {
	if _, found, err := s.store.Get(ctx, store.Users, clientID); err != nil {
		return nil, fmt.Errorf("load user %q: %w", clientID, err)
	} else if !found {
		s.metrics.VerificationFailure("client_not_found")
		return nil, &Error{Kind: KindClientNotFound, ClientID: clientID}
	}

	challenge, err := curveauth.NewChallenge()
	if err != nil {
		return nil, err
	}
	ch := &Challenge{
		ChallengeID: curveauth.NewChallengeID(),
		Challenge:   challenge,
		ExpiresAt:   s.now().UTC().Add(s.store.TTL(store.Challenges)),
	}
	if err := store.SetJSON(ctx, s.store, store.Challenges, clientID, ch); err != nil {
		return nil, err
	}

	s.metrics.ChallengeCreated(clientID)
	s.logger.Info("challenge issued",
		zap.String("client_id", clientID),
		zap.String("challenge_id", ch.ChallengeID),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	return ch, nil
}

// Verify checks a signed challenge response and, on success, issues a fresh
// API key grant (overwriting any prior grant) and deletes the challenge. A
// signature failure leaves the challenge in place so the client can retry
// until it expires naturally; an id mismatch or expiry is terminal for that
// challenge.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Grant, error) {
	s.metrics.VerificationAttempt(req.ClientID)

	stored, found, err := store.GetJSON[Challenge](ctx, s.store, store.Challenges, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load challenge for %q: %w", req.ClientID, err)
	}
	if !found {
		s.metrics.VerificationFailure("client_not_found")
		return nil, &Error{Kind: KindClientNotFound, ClientID: req.ClientID}
	}

	if stored.ChallengeID != req.ChallengeID {
		s.metrics.VerificationFailure("challenge_id_mismatch")
		return nil, &Error{Kind: KindChallengeMismatch, ClientID: req.ClientID}
	}

	// Explicit deadline check on top of the store TTL, guarding against
	// clock/TTL skew between gateway processes and the shared store.
	if !s.now().UTC().Before(stored.ExpiresAt) {
		s.metrics.VerificationFailure("expired")
		return nil, &Error{Kind: KindChallengeExpired, ClientID: req.ClientID}
	}

	user, found, err := store.GetJSON[User](ctx, s.store, store.Users, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", req.ClientID, err)
	}
	if !found {
		s.metrics.VerificationFailure("client_not_found")
		return nil, &Error{Kind: KindClientNotFound, ClientID: req.ClientID}
	}

	verified, err := curveauth.VerifySignature(user.Scheme, stored.Challenge, req.Signature, user.PublicKey)
	if err != nil {
		s.logger.Warn("malformed signature material",
			zap.String("client_id", req.ClientID),
			zap.Error(err),
		)
	}
	if err != nil || !verified {
		s.metrics.VerificationFailure("invalid_signature")
		return nil, &Error{Kind: KindNotVerified, ClientID: req.ClientID}
	}

	apiKey, err := curveauth.NewAPIKey(apiKeyPrefix)
	if err != nil {
		return nil, err
	}
	grant := &Grant{
		APIKey:    apiKey,
		ExpiresAt: s.now().UTC().Add(s.store.TTL(store.APIKeys)),
	}
	if err := store.SetJSON(ctx, s.store, store.APIKeys, req.ClientID, grant); err != nil {
		return nil, err
	}
	// Delete before returning success so a stale challenge can never be
	// replayed after the grant exists.
	if err := s.store.Delete(ctx, store.Challenges, req.ClientID); err != nil {
		return nil, fmt.Errorf("consume challenge for %q: %w", req.ClientID, err)
	}

	s.metrics.APIKeyIssued(req.ClientID)
	s.logger.Info("api key issued",
		zap.String("client_id", req.ClientID),
		zap.Time("expires_at", grant.ExpiresAt),
	)
	return grant, nil
}
