package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"baas-gateway/internal/metadata"
)

// Claims are the JWT claims understood by the gateway. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Roles   []string          `json:"roles"`
	Lookups map[string]string `json:"lookups,omitempty"`
}

// Session converts verified claims into the request session.
func (c *Claims) Session() *metadata.Session {
	return &metadata.Session{
		UserID:  c.Subject,
		Roles:   c.Roles,
		Lookups: c.Lookups,
	}
}

// SignToken creates an HS256 token for sess valid for ttl. Tokens are normally
// minted by an external identity provider sharing the secret.
func SignToken(sess *metadata.Session, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:   sess.Roles,
		Lookups: sess.Lookups,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses a JWT, returning the claims.
func ParseToken(tokenStr string, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
