package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vidashield/internal/observability"
)

type contextKey struct{}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, contextKey{}, accountID)
}

func AccountIDFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(contextKey{}).(string)
	return accountID, ok && accountID != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func Middleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		tokenStr, ok := BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		accountID, err := issuer.Verify(tokenStr)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
	})
}

type AccountLookup interface {
	GetByID(ctx context.Context, id string) (Account, error)
}

// RequireElevated must run after Middleware. It admits only active admin and
// manager accounts.
func RequireElevated(accounts AccountLookup, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountIDFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		account, err := accounts.GetByID(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			logger.Error("role_lookup_failed", map[string]any{"account_id": accountID, "error": err.Error()})
			writeError(w, http.StatusInternalServerError, "failed to authorize request")
			return
		}

		if account.Status != StatusActive || !account.Role.Elevated() {
			logger.Warn("forbidden_request", map[string]any{
				"account_id": accountID,
				"role":       string(account.Role),
				"path":       r.URL.Path,
				"ip":         observability.ClientIP(r),
			})
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		next.ServeHTTP(w, r)
	})
}
