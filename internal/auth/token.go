package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultSessionTTL = time.Hour
	accessTokenType   = "access"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

type sessionClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer mints and verifies HS256 session tokens. It holds no mutable
// state and is safe for concurrent use.
type TokenIssuer struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, defaultTTL time.Duration) *TokenIssuer {
	if defaultTTL <= 0 {
		defaultTTL = DefaultSessionTTL
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		defaultTTL: defaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (i *TokenIssuer) DefaultTTL() time.Duration {
	return i.defaultTTL
}

// Issue signs a token for accountID; a non-positive ttl uses the default.
func (i *TokenIssuer) Issue(accountID string, ttl time.Duration) (Token, error) {
	if strings.TrimSpace(accountID) == "" {
		return Token{}, fmt.Errorf("issue session token: empty subject")
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenType: accessTokenType,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{Value: encoded, ExpiresAt: expiresAt}, nil
}

func (i *TokenIssuer) Verify(tokenStr string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !token.Valid || claims.TokenType != accessTokenType || claims.Subject == "" {
		return "", ErrTokenInvalid
	}

	return claims.Subject, nil
}
