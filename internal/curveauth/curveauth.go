// Package curveauth implements the key material side of the challenge
// protocol: elliptic-curve keypairs, raw public key encoding, challenge
// signing and verification, and the random tokens used for challenges and
// API keys.
//
// Two signing schemes are supported, both over secp256k1:
//
//	schnorr - BIP-340 signature over the SHA-256 digest of the challenge
//	          string; public keys are the raw 32-byte x-only form.
//	ecdsa   - compact (r||s) ECDSA signature over the Keccak-256 digest of
//	          the challenge string; public keys are the 33-byte compressed
//	          form.
//
// Public keys and signatures travel base64-encoded.
package curveauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Scheme names a supported signing scheme.
type Scheme string

const (
	SchemeSchnorr Scheme = "schnorr"
	SchemeECDSA   Scheme = "ecdsa"
)

// ParseScheme validates a scheme name.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeSchnorr, SchemeECDSA:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("unknown signing scheme %q", s)
}

// KeyPair is a secp256k1 keypair bound to a signing scheme.
type KeyPair struct {
	Scheme Scheme
	priv   *btcec.PrivateKey
}

// GenerateKeyPair creates a fresh keypair for the scheme.
func GenerateKeyPair(scheme Scheme) (*KeyPair, error) {
	if _, err := ParseScheme(string(scheme)); err != nil {
		return nil, err
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &KeyPair{Scheme: scheme, priv: priv}, nil
}

// KeyPairFromHex restores a keypair from a 64-hex-char private key.
func KeyPairFromHex(scheme Scheme, privHex string) (*KeyPair, error) {
	if _, err := ParseScheme(string(scheme)); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &KeyPair{Scheme: scheme, priv: priv}, nil
}

// PrivateKeyHex returns the 32-byte private key as hex.
func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.priv.Serialize())
}

// PublicKeyRaw returns the raw-encoded public key for the keypair's scheme:
// 32-byte x-only for schnorr, 33-byte compressed for ecdsa.
func (kp *KeyPair) PublicKeyRaw() []byte {
	switch kp.Scheme {
	case SchemeSchnorr:
		return schnorr.SerializePubKey(kp.priv.PubKey())
	default:
		return kp.priv.PubKey().SerializeCompressed()
	}
}

// PublicKeyBase64 returns the raw public key, base64-encoded, as registered
// with the gateway.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKeyRaw())
}

// Sign signs the challenge string and returns the base64 signature.
func (kp *KeyPair) Sign(message string) (string, error) {
	digest := messageDigest(kp.Scheme, message)
	switch kp.Scheme {
	case SchemeSchnorr:
		sig, err := schnorr.Sign(kp.priv, digest)
		if err != nil {
			return "", fmt.Errorf("schnorr sign: %w", err)
		}
		return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
	default:
		sig, err := ethcrypto.Sign(digest, kp.priv.ToECDSA())
		if err != nil {
			return "", fmt.Errorf("ecdsa sign: %w", err)
		}
		// Drop the recovery byte; verification has the public key already.
		return base64.StdEncoding.EncodeToString(sig[:64]), nil
	}
}

// VerifySignature checks a base64 signature over message against a
// base64-encoded raw public key. A malformed key or signature is an error;
// a well-formed signature that does not match returns (false, nil).
func VerifySignature(scheme Scheme, message, signatureB64, publicKeyB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	digest := messageDigest(scheme, message)

	switch scheme {
	case SchemeSchnorr:
		parsedSig, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false, fmt.Errorf("parse schnorr signature: %w", err)
		}
		parsedPub, err := schnorr.ParsePubKey(pub)
		if err != nil {
			return false, fmt.Errorf("parse schnorr public key: %w", err)
		}
		return parsedSig.Verify(digest, parsedPub), nil
	case SchemeECDSA:
		if len(sig) != 64 {
			return false, fmt.Errorf("ecdsa signature must be 64 bytes, got %d", len(sig))
		}
		if _, err := ethcrypto.DecompressPubkey(pub); err != nil {
			return false, fmt.Errorf("parse ecdsa public key: %w", err)
		}
		return ethcrypto.VerifySignature(pub, digest, sig), nil
	}
	return false, fmt.Errorf("unknown signing scheme %q", scheme)
}

// messageDigest hashes the challenge string for the scheme: SHA-256 for
// schnorr (BIP-340 convention), Keccak-256 for ecdsa.
func messageDigest(scheme Scheme, message string) []byte {
	if scheme == SchemeSchnorr {
		h := sha256.Sum256([]byte(message))
		return h[:]
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(message))
	return h.Sum(nil)
}

// NewChallengeID returns a unique identifier for an issued challenge.
func NewChallengeID() string {
	return uuid.NewString()
}

// NewChallenge returns a 32-hex-char random challenge string for the client
// to sign.
func NewChallenge() (string, error) {
	return randomHex(16)
}

// NewAPIKey returns an opaque bearer token of the form "<prefix>_<hex>".
func NewAPIKey(prefix string) (string, error) {
	tok, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return prefix + "_" + tok, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand.Read failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
