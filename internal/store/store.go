// Package store provides the namespaced, TTL-aware key-value layer shared by
// the challenge service, the proxy stage and the upstream registry. Values
// are plain strings; records are stored as JSON via SetJSON/GetJSON.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Namespace partitions the store. Each namespace carries its own TTL policy.
type Namespace string

const (
	Users      Namespace = "USERS"
	Challenges Namespace = "CHALLENGES"
	APIKeys    Namespace = "API_KEYS"
	Upstreams  Namespace = "UPSTREAMS"
)

// TTLs maps each namespace to its default expiry. A zero duration means the
// entry never expires (used for USERS, which is a provisioning record).
type TTLs map[Namespace]time.Duration

// DefaultTTLs returns the out-of-the-box namespace TTL policy.
func DefaultTTLs() TTLs {
	return TTLs{
		Users:      0,
		Challenges: 2 * time.Minute,
		APIKeys:    1 * time.Hour,
		Upstreams:  24 * time.Hour,
	}
}

// Store is a namespaced key-value store. Writes are immediately visible to
// other processes sharing the backend; the gateway never buffers them.
type Store interface {
	// Get returns the value for key, with found=false when absent or expired.
	Get(ctx context.Context, ns Namespace, key string) (value string, found bool, err error)
	// Set overwrites any existing value and resets the TTL to the namespace
	// default.
	Set(ctx context.Context, ns Namespace, key, value string) error
	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, ns Namespace, key string) error
	// GetAll returns every live key/value pair in the namespace. An empty
	// namespace yields an empty map, not an error.
	GetAll(ctx context.Context, ns Namespace) (map[string]string, error)
	// TTL reports the namespace default expiry.
	TTL(ns Namespace) time.Duration
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// SetJSON marshals v and stores it under ns/key.
func SetJSON(ctx context.Context, s Store, ns Namespace, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", ns, key, err)
	}
	return s.Set(ctx, ns, key, string(raw))
}

// GetJSON loads ns/key and unmarshals it into a fresh T. found is false when
// the key is absent or expired.
func GetJSON[T any](ctx context.Context, s Store, ns Namespace, key string) (*T, bool, error) {
	raw, found, err := s.Get(ctx, ns, key)
	if err != nil || !found {
		return nil, false, err
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s/%s: %w", ns, key, err)
	}
	return &v, true, nil
}
