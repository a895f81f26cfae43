package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_IssueAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("secret", 0)
	assert.Equal(t, DefaultSessionTTL, issuer.DefaultTTL())

	token, err := issuer.Issue("account-1", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, 5*time.Second)

	subject, err := issuer.Verify(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "account-1", subject)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return start }

	token, err := issuer.Issue("account-1", 30*time.Minute)
	require.NoError(t, err)

	issuer.now = func() time.Time { return start.Add(29 * time.Minute) }
	_, err = issuer.Verify(token.Value)
	require.NoError(t, err)

	issuer.now = func() time.Time { return start.Add(31 * time.Minute) }
	_, err = issuer.Verify(token.Value)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuer_Invalid(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	other := NewTokenIssuer("another-secret", time.Hour)

	foreign, err := other.Issue("account-1", 0)
	require.NoError(t, err)

	good, err := issuer.Issue("account-1", 0)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "account-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: accessTokenType,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "account-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: "refresh",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "account-1"},
		TokenType:        accessTokenType,
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"wrong signature": foreign.Value,
		"tampered":        good.Value[:len(good.Value)-2] + "xx",
		"alg none":        noneToken,
		"wrong type":      refreshToken,
		"no expiry":       noExpiry,
		"garbage":         "not-a-jwt",
		"empty":           "",
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := issuer.Verify(value)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestTokenIssuer_RejectsEmptySubject(t *testing.T) {
	_, err := NewTokenIssuer("secret", time.Hour).Issue("  ", 0)
	assert.Error(t, err)
}
