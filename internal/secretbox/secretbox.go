package secretbox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var ErrAuthenticationFailed = errors.New("secretbox: authentication failed")

// Key is the process-wide symmetric key for sealing private key material at rest.
// A missing or wrong-size key is a startup error, not a per-call one.
type Key [KeySize]byte

func KeyFromHex(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("secretbox key is not valid hex: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("secretbox key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Seal encrypts plaintext into a self-contained envelope: a fresh random
// nonce followed by the ciphertext and authentication tag.
func (k Key) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	key := [KeySize]byte(k)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Open decrypts an envelope produced by Seal. Malformed envelopes and tag
// mismatches both surface as ErrAuthenticationFailed.
func (k Key) Open(envelope []byte) ([]byte, error) {
	if len(envelope) < nonceSize+secretbox.Overhead {
		return nil, ErrAuthenticationFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])
	key := [KeySize]byte(k)
	plaintext, ok := secretbox.Open(nil, envelope[nonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
