// Package auth verifies the bearer tokens presented during the gateway handshake.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for token verification failures. ErrInvalid is returned for any failure that does not need a more
// specific close code; callers that need to distinguish "missing" from "invalid" do so before calling Verify.
var (
	ErrInvalid      = errors.New("token invalid")
	ErrEmailMissing = errors.New("token missing email claim")
)

// claims holds the JWT claims this hub understands. Email is a custom claim layered on top of the standard
// registered claims; exp, if present, is enforced automatically by jwt.ParseWithClaims. Email is decoded as any so
// that a non-string value reaches Verify's email check instead of failing claim decoding.
type claims struct {
	jwt.RegisteredClaims
	Email any `json:"email"`
}

// Verifier validates bearer tokens using HMAC-SHA256 with a pre-shared secret and extracts the identity (email
// claim). It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given pre-shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify validates the token's signature and expiry (if present) and returns the identity carried in its email
// claim. It fails with ErrInvalid if the signature is wrong or the token is malformed, and with ErrEmailMissing if
// the email claim is absent, non-string, or empty.
func (v *Verifier) Verify(token string) (string, error) {
	c := &claims{}

	parsed, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid {
		return "", ErrInvalid
	}

	email, ok := c.Email.(string)
	if !ok || email == "" {
		return "", ErrEmailMissing
	}

	return email, nil
}
