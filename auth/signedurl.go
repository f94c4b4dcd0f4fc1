package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignedURLClaims is the payload carried by a signed-URL token: the
// object's private URL, its expiry, and optional image transformations
// (spec.md §4.F "Signed URL").
type SignedURLClaims struct {
	jwt.RegisteredClaims
	URL             string            `json:"url"`
	Transformations map[string]string `json:"transformations,omitempty"`
}

// SignURL issues a signed-URL token for url, valid for ttl, optionally
// carrying transformation parameters.
func SignURL(url string, ttl time.Duration, secret string, transformations map[string]string) (string, error) {
	claims := SignedURLClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		URL:             url,
		Transformations: transformations,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", Class.Wrap(err)
	}
	return signed, nil
}

// VerifySignedURL verifies a signed-URL token's signature and expiry
// only; per spec.md §4.F, the verify path performs no DB lookup.
func VerifySignedURL(token, secret string) (*SignedURLClaims, error) {
	claims := &SignedURLClaims{}
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
		return nil, Class.New("invalid or expired token")
	}
	return claims, nil
}
