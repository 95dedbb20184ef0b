package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func expiring(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
}

func TestHMACVerify(t *testing.T) {
	v, err := NewHMACVerifier("s3cret")
	require.NoError(t, err)

	c, err := v.Verify(hmacToken(t, "s3cret", &Claims{UserID: "u1", RegisteredClaims: expiring("ignored")}))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Principal())

	c, err = v.Verify(hmacToken(t, "s3cret", &Claims{UserUUID: "uuid-1", RegisteredClaims: expiring("")}))
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", c.Principal())

	c, err = v.Verify(hmacToken(t, "s3cret", &Claims{RegisteredClaims: expiring("sub-1")}))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", c.Principal())

	_, err = v.Verify(hmacToken(t, "other", &Claims{RegisteredClaims: expiring("x")}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(hmacToken(t, "s3cret", &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}))
	assert.ErrorIs(t, err, ErrInvalidToken, "expiry is required")

	_, err = v.Verify(hmacToken(t, "s3cret", &Claims{RegisteredClaims: expiring("")}))
	assert.ErrorIs(t, err, ErrInvalidToken, "subject is required")
}

func TestRSAVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	v, err := NewRSAVerifier(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{RegisteredClaims: expiring("r1")}).SignedString(key)
	require.NoError(t, err)
	c, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "r1", c.Principal())

	// an RSA-only verifier rejects HMAC tokens
	_, err = v.Verify(hmacToken(t, "s", &Claims{RegisteredClaims: expiring("r1")}))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseBearerToken(t *testing.T) {
	tok, err := ParseBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = ParseBearerToken("bearer xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		_, err := ParseBearerToken(h)
		assert.Error(t, err, h)
	}
}

func TestSessionNotifiesListeners(t *testing.T) {
	v, _ := NewHMACVerifier("k")
	s := NewSession(v)

	var seen []string
	unsub := s.OnAuthChange(func(id string) { seen = append(seen, id) })

	_, ok := s.CurrentUserID()
	assert.False(t, ok)

	_, err := s.SignIn(hmacToken(t, "k", &Claims{RegisteredClaims: expiring("u1")}))
	require.NoError(t, err)
	id, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, err = s.SignIn("garbage")
	assert.Error(t, err)

	s.SignOut()
	unsub()
	_, _ = s.SignIn(hmacToken(t, "k", &Claims{RegisteredClaims: expiring("u2")}))

	assert.Equal(t, []string{"", "u1", ""}, seen)
}
