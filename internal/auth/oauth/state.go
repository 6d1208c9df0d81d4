package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockfall/blockfall/pkg/crypto"
)

var (
	// ErrStateExpired indicates the state token outlived its window.
	ErrStateExpired = errors.New("oauth state: expired")
	// ErrStateInvalid covers tampered, malformed, and foreign state tokens.
	ErrStateInvalid = errors.New("oauth state: invalid")
)

// StatePayload is round-tripped through the provider during the redirect flow.
type StatePayload struct {
	Provider string    `json:"p"`
	Nonce    string    `json:"n"`
	IssuedAt time.Time `json:"iat"`
}

// StateCodec encodes and decodes the encrypted state parameter carried
// through the authorization redirect.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateCodec constructs a StateCodec using the provided symmetric key and lifetime.
func NewStateCodec(key []byte, ttl time.Duration, now func() time.Time) (*StateCodec, error) {
	length := len(key)
	if length != 16 && length != 24 && length != 32 {
		return nil, fmt.Errorf("oauth state: key must be 16, 24, or 32 bytes, got %d", length)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StateCodec{key: key, ttl: ttl, now: now}, nil
}

// Encode encrypts the supplied payload into a compact state string.
func (c *StateCodec) Encode(payload StatePayload) (string, error) {
	payload.Provider = strings.ToLower(strings.TrimSpace(payload.Provider))
	if payload.Provider == "" {
		return "", errors.New("oauth state: provider is required")
	}
	if payload.Nonce == "" {
		nonce, err := crypto.GenerateToken(16)
		if err != nil {
			return "", fmt.Errorf("oauth state: generate nonce: %w", err)
		}
		payload.Nonce = nonce
	}
	payload.IssuedAt = c.now().UTC()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("oauth state: marshal payload: %w", err)
	}

	encoded, err := crypto.Encrypt(raw, c.key)
	if err != nil {
		return "", fmt.Errorf("oauth state: encrypt payload: %w", err)
	}
	return encoded, nil
}

// Decode decrypts the state string back into a payload while enforcing expiry.
func (c *StateCodec) Decode(token string) (StatePayload, error) {
	var payload StatePayload
	if strings.TrimSpace(token) == "" {
		return payload, ErrStateInvalid
	}

	raw, err := crypto.Decrypt(token, c.key)
	if err != nil {
		return payload, ErrStateInvalid
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, ErrStateInvalid
	}

	if payload.Provider == "" || payload.IssuedAt.IsZero() {
		return payload, ErrStateInvalid
	}

	if c.now().UTC().After(payload.IssuedAt.Add(c.ttl)) {
		return payload, ErrStateExpired
	}

	return payload, nil
}
