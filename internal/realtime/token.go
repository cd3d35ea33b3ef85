package realtime

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid realtime token")

// Claims identify a realtime subscriber. An empty Channels list allows
// every channel.
type Claims struct {
	Channels []int64 `json:"channels,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Allows(channelID int64) bool {
	return len(c.Channels) == 0 || slices.Contains(c.Channels, channelID)
}

// TokenAuth issues and verifies HS256 gateway tokens.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) (*TokenAuth, error) {
	if secret == "" {
		return nil, errors.New("realtime token secret is required")
	}
	return &TokenAuth{secret: []byte(secret)}, nil
}

func (a *TokenAuth) Issue(subject string, channels []int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Channels: channels,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign realtime token: %w", err)
	}
	return signed, nil
}

// Verify rejects tokens that are malformed, expired, not HS256 or signed
// with another secret. All of them wrap ErrInvalidToken.
func (a *TokenAuth) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}
