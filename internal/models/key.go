package models

import "time"

type KeyScope string

const (
	ScopeRead    KeyScope = "read"
	ScopeTrading KeyScope = "trading"
	ScopeAsset   KeyScope = "asset"
)

// SigningKey is one venue-announced ed25519 keypair. The private key is stored
// sealed with the process secretbox key, never in the clear. Rotation supersedes
// a key rather than mutating it.
type SigningKey struct {
	AccountID           string    `json:"account_id"`
	PublicKey           string    `json:"public_key"` // ed25519: prefixed, url-safe base64
	EncryptedPrivateKey []byte    `json:"encrypted_private_key"`
	Scope               KeyScope  `json:"scope"`
	ExpiresAt           time.Time `json:"expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Expired keys are treated as absent, not invalid-but-usable.
func (k *SigningKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}
