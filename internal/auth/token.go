package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrInvalidToken covers undecryptable, truncated, or tampered tokens.
var ErrInvalidToken = errors.New("invalid session token")

const nonceSize = 24

// TokenCodec seals and opens session tokens. The sealed payload embeds
// the issue timestamp so expiry can be checked without a store lookup.
type TokenCodec struct {
	key [32]byte
}

// NewTokenCodec builds a codec from a 64-char hex key.
func NewTokenCodec(hexKey string) (*TokenCodec, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("token key must be 32 bytes, got %d", len(raw))
	}
	c := &TokenCodec{}
	copy(c.key[:], raw)
	return c, nil
}

// Seal encrypts a secret together with its issue time.
func (c *TokenCodec) Seal(secret string, issued time.Time) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	payload := make([]byte, 8+len(secret))
	binary.BigEndian.PutUint64(payload, uint64(issued.Unix()))
	copy(payload[8:], secret)

	sealed := secretbox.Seal(nonce[:], payload, &nonce, &c.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token and returns the embedded secret and issue time.
func (c *TokenCodec) Open(token string) (string, time.Time, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if len(raw) < nonceSize {
		return "", time.Time{}, ErrInvalidToken
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	payload, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok || len(payload) < 8 {
		return "", time.Time{}, ErrInvalidToken
	}
	issued := time.Unix(int64(binary.BigEndian.Uint64(payload)), 0).UTC()
	return string(payload[8:]), issued, nil
}

// NewSecret returns a fresh random token secret.
func NewSecret() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
