// Package token issues and validates the session tokens a client may
// present for quick resume, skipping the challenge round-trip.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "repsyncd"

// Claims binds a session token to one user and one installation.
type Claims struct {
	UserID  string `json:"user_id"`
	UserOID string `json:"user_oid"`
	NodeID  string `json:"node_id"`
	jwt.RegisteredClaims
}

// Issuer signs and validates session tokens with a shared HS256 secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration

	now func() time.Time
}

// NewIssuer builds an issuer. The secret should be cryptographically
// random; every repsyncd instance behind one endpoint must share it.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a signed token for the identity. The second return is
// the token lifetime in seconds, as announced in the welcome frame.
func (i *Issuer) Issue(userID, userOID, nodeID string) (string, int64, error) {
	now := i.now()

	claims := Claims{
		UserID:  userID,
		UserOID: userOID,
		NodeID:  nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, int64(i.ttl.Seconds()), nil
}

// Validate parses and verifies a token, returning its claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
