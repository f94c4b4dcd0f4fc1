// Package auth implements JWT signing/verification (HS* and JWKS), owner
// extraction, and signed-URL tokens (spec.md §4.K).
package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/zeebo/errs"
)

// Class is the error class for auth failures.
var Class = errs.Class("auth")

// Claims is the decoded set of JWT claims the connection broker binds as
// session settings (spec.md §4.C).
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// VerifyJWT verifies token against secret (HS256) and returns its claims.
func VerifyJWT(token, secret string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, Class.New("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, Class.Wrap(err)
	}
	if !parsed.Valid {
		return nil, Class.New("invalid token")
	}
	return claims, nil
}

// VerifyJWKS verifies token using the given JWKS document (RS/ES
// algorithms), for tenants configured with a JWKS instead of a shared secret.
func VerifyJWKS(ctx context.Context, token string, jwksJSON []byte) (*Claims, error) {
	set, err := jwk.Parse(jwksJSON)
	if err != nil {
		return nil, Class.Wrap(err)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		var key jwk.Key
		if kid != "" {
			var ok bool
			key, ok = set.LookupKeyID(kid)
			if !ok {
				return nil, Class.New("no matching key for kid %q", kid)
			}
		} else if set.Len() == 1 {
			key, _ = set.Key(0)
		} else {
			return nil, Class.New("token has no kid and JWKS has more than one key")
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, Class.Wrap(err)
		}
		return raw, nil
	})
	if err != nil {
		return nil, Class.Wrap(err)
	}
	if !parsed.Valid {
		return nil, Class.New("invalid token")
	}
	return claims, nil
}

// SignJWT signs payload claims with secret (HS256), expiring after ttl.
func SignJWT(payload map[string]any, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["exp"] = time.Now().Add(ttl).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", Class.Wrap(err)
	}
	return signed, nil
}

// GetOwner returns the "sub" claim of token, verified against secret.
func GetOwner(token, secret string) (string, error) {
	claims, err := VerifyJWT(token, secret)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
