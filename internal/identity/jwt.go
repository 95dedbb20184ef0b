// Package identity resolves the signed-in user from a JWT and notifies
// listeners when that user changes.
package identity

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims accepts the user id under any of the claim names issued by the
// auth service.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	UserUUID string `json:"user_uuid,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Principal() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.UserUUID != "":
		return c.UserUUID
	default:
		return c.RegisteredClaims.Subject
	}
}

// Verifier validates tokens signed with either an RSA public key or an
// HMAC secret.
type Verifier struct {
	pub    *rsa.PublicKey
	secret []byte
}

func NewHMACVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

func NewRSAVerifier(pubPEM []byte) (*Verifier, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Verifier{pub: pub}, nil
}

func NewRSAVerifierFromFile(path string) (*Verifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewRSAVerifier(b)
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.pub == nil {
			return nil, errors.New("unexpected signing method")
		}
		return v.pub, nil
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}
	return nil, errors.New("unexpected signing method")
}

// Verify parses tokenStr and returns its claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.Principal() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseBearerToken extracts the token from an Authorization header.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
