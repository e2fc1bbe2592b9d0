package signer

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"orderly/custodian/internal/models"
)

// MaxClockSkew bounds how far a request timestamp may drift from local time.
// The authoritative rejection happens server side; this check exists to fail
// fast with a clock-sync message instead of an opaque auth error.
const MaxClockSkew = 300 * time.Second

const keyPrefix = "ed25519:"

// ErrClockSkew is deliberately distinct from any auth failure.
type ErrClockSkew struct {
	Timestamp int64
	Now       int64
}

func (e *ErrClockSkew) Error() string {
	return fmt.Sprintf(
		"request timestamp %d is more than %s away from local time %d; check system clock synchronization (ntp) before retrying",
		e.Timestamp, MaxClockSkew, e.Now,
	)
}

// RequestSigner holds one detached ed25519 keypair for a venue account and
// signs canonical request strings for REST calls.
type RequestSigner struct {
	accountID string
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	scope     models.KeyScope
	expiresAt time.Time
}

func New(accountID string, scope models.KeyScope, expiresAt time.Time) (*RequestSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &RequestSigner{accountID: accountID, priv: priv, pub: pub, scope: scope, expiresAt: expiresAt}, nil
}

func FromSeed(accountID string, seed []byte, scope models.KeyScope, expiresAt time.Time) (*RequestSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &RequestSigner{
		accountID: accountID,
		priv:      priv,
		pub:       priv.Public().(ed25519.PublicKey),
		scope:     scope,
		expiresAt: expiresAt,
	}, nil
}

func (s *RequestSigner) AccountID() string      { return s.accountID }
func (s *RequestSigner) Scope() models.KeyScope { return s.scope }
func (s *RequestSigner) Seed() []byte           { return s.priv.Seed() }

// Expired keys are treated as absent by callers.
func (s *RequestSigner) Expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

// PublicKey returns the venue wire form of the public key.
func (s *RequestSigner) PublicKey() string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString(s.pub)
}

// Canonical builds the string to sign: timestamp, uppercased method and path
// concatenated with no separators, followed by the compacted JSON body when
// present. GET and DELETE requests omit the body entirely.
func Canonical(timestamp int64, method string, path string, body []byte) (string, error) {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(strings.ToUpper(method))
	b.WriteString(path)

	if len(body) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err != nil {
			return "", fmt.Errorf("request body is not valid json: %w", err)
		}
		b.Write(compact.Bytes())
	}
	return b.String(), nil
}

// Sign produces the url-safe unpadded base64 signature over the canonical
// request string. Deterministic: identical inputs yield identical signatures.
func (s *RequestSigner) Sign(timestamp int64, method string, path string, body []byte) (string, error) {
	if err := CheckTimestamp(timestamp, time.Now()); err != nil {
		return "", err
	}
	msg, err := Canonical(timestamp, method, path, body)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.priv, []byte(msg))
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Headers returns the full authentication header set for one request.
func (s *RequestSigner) Headers(timestamp int64, method string, path string, body []byte) (map[string]string, error) {
	sig, err := s.Sign(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"orderly-timestamp":  strconv.FormatInt(timestamp, 10),
		"orderly-account-id": s.accountID,
		"orderly-key":        s.PublicKey(),
		"orderly-signature":  sig,
	}, nil
}

// CheckTimestamp is the local clock sanity check. timestamp is epoch millis.
func CheckTimestamp(timestamp int64, now time.Time) error {
	skew := now.UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew.Milliseconds() {
		return &ErrClockSkew{Timestamp: timestamp, Now: now.UnixMilli()}
	}
	return nil
}
