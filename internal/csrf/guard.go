// Package csrf issues and checks anti-forgery tokens bound to a browser
// session cookie.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vidashield/internal/observability"
)

const (
	HeaderName        = "X-CSRF-TOKEN"
	SessionCookieName = "vs_csrf_session"
	DefaultTokenTTL   = 2 * time.Hour
	maxTokensPerSess  = 8
	tokenBytes        = 32
)

var (
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	ErrBackend      = errors.New("csrf store unavailable")
)

// Store keeps token digests per session. Implementations must expire
// digests after ttl and keep at most maxTokensPerSess per session.
type Store interface {
	Add(ctx context.Context, sessionID, digest string, ttl time.Duration, now time.Time) error
	Contains(ctx context.Context, sessionID, digest string, now time.Time) (bool, error)
}

type Guard struct {
	store        Store
	ttl          time.Duration
	secureCookie bool
	logger       *observability.Logger
	now          func() time.Time
}

func NewGuard(store Store, ttl time.Duration, secureCookie bool, logger *observability.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Guard{
		store:        store,
		ttl:          ttl,
		secureCookie: secureCookie,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Generate returns a fresh token valid for sessionID. Tokens are reusable
// until they expire.
func (g *Guard) Generate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("generate csrf token: empty session")
	}

	token, err := randomHex(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	if err := g.store.Add(ctx, sessionID, digest(token), g.ttl, g.now()); err != nil {
		return "", err
	}

	return token, nil
}

func (g *Guard) Validate(ctx context.Context, sessionID, token string) (bool, error) {
	token = strings.TrimSpace(token)
	if sessionID == "" || token == "" {
		return false, nil
	}
	return g.store.Contains(ctx, sessionID, digest(token), g.now())
}

type tokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// TokenHandler serves GET /csrf-token, creating the session cookie when the
// caller has none.
func (g *Guard) TokenHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		var err error
		sessionID, err = randomHex(tokenBytes)
		if err != nil {
			g.fail(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   g.secureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}

	token, err := g.Generate(r.Context(), sessionID)
	if err != nil {
		g.fail(w, r, err)
		return
	}

	w.Header().Set(HeaderName, token)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{CSRFToken: token})
}

// Middleware rejects state-changing requests that are not bearer
// authenticated and do not carry a valid token for their session.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !stateChanging(r.Method) || hasBearer(r) {
			next.ServeHTTP(w, r)
			return
		}

		ok, err := g.Validate(r.Context(), sessionFromRequest(r), r.Header.Get(HeaderName))
		if err != nil {
			g.fail(w, r, err)
			return
		}
		if !ok {
			g.logger.Warn("csrf_rejected", map[string]any{
				"ip":        observability.ClientIP(r),
				"method":    r.Method,
				"path":      r.URL.Path,
				"timestamp": g.now().Format(time.RFC3339),
			})
			writeError(w, http.StatusForbidden, ErrCSRFMismatch.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Guard) fail(w http.ResponseWriter, r *http.Request, err error) {
	fields := map[string]any{"path": r.URL.Path, "error": err.Error()}
	g.logger.Error("csrf_store_failed", fields)
	observability.CaptureError(err, fields)
	writeError(w, http.StatusInternalServerError, "csrf check failed")
}

func sessionFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func hasBearer(r *http.Request) bool {
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	return len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != ""
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
