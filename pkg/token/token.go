// Package token issues and parses the signed tokens behind the
// login-free unsubscribe flow. A token encodes one subscription id;
// possession of the link is the only credential.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, tampered or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

const purposeUnsubscribe = "unsubscribe"

// Manager signs and verifies unsubscribe tokens with HMAC-SHA256.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a token manager. A zero ttl defaults to 90 days,
// long enough to outlive the emails the links are embedded in.
func NewManager(secret []byte, ttl time.Duration) (*Manager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	if ttl == 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Manager{secret: secret, ttl: ttl}, nil
}

type claims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Sign issues a token for the given subscription id.
func (m *Manager) Sign(subscriptionID string) (string, error) {
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Purpose: purposeUnsubscribe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subscriptionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	return t.SignedString(m.secret)
}

// Parse validates a token and returns the subscription id it encodes.
func (m *Manager) Parse(tokenString string) (string, error) {
	var c claims
	t, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !t.Valid {
		return "", ErrInvalidToken
	}
	if c.Purpose != purposeUnsubscribe || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
