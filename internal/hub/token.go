package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrForbidden is returned when a token does not grant access to a channel.
var ErrForbidden = errors.New("hub: channel not permitted")

// Claims are the JWT claims the hub accepts. Subject is the client id;
// Channels lists channel name prefixes the client may use. An empty list
// grants every channel.
type Claims struct {
	Channels []string `json:"channels,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant access to channel.
func (c *Claims) Allows(channel string) bool {
	if c == nil || len(c.Channels) == 0 {
		return true
	}
	for _, prefix := range c.Channels {
		if prefix == "*" || strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// MintToken signs an HS256 token for clientID valid for ttl.
func MintToken(secret []byte, clientID string, channels []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("hub: empty signing secret")
	}
	now := time.Now()
	claims := Claims{
		Channels: channels,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  clientID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates raw and returns its claims.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("hub: parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("hub: token has no subject")
	}
	return claims, nil
}

func jwtSubject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}
