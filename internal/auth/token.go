// SPDX-License-Identifier: MIT

// Package auth implements host credentials: an HMAC-SHA256 of the session id
// presented as "{sessionId}.{base64url(hmac)}".
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Minter mints and verifies host credentials for sessions. The secret is
// process-wide and read-only.
type Minter struct {
	secret []byte
}

// NewMinter creates a Minter from the configured host auth secret.
func NewMinter(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

func (m *Minter) mac(sessionID string) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}

// Mint returns the host credential for the given session id.
func (m *Minter) Mint(sessionID string) string {
	return sessionID + "." + base64.RawURLEncoding.EncodeToString(m.mac(sessionID))
}

// Verify checks a presented credential against sessionID. It recomputes the
// HMAC and compares in constant time.
func (m *Minter) Verify(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id != sessionID {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(raw, m.mac(sessionID))
}
