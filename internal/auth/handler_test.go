package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidashield/internal/observability"
)

func TestHandler_Login(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		guard      *fakeGuard
		wantStatus int
		wantError  string
	}{
		{
			name:       "success",
			body:       `{"email":"nurse@clinic.test","password":"correct horse"}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong password",
			body:       `{"email":"nurse@clinic.test","password":"wrong"}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid credentials",
		},
		{
			name:       "unknown account looks the same",
			body:       `{"email":"ghost@clinic.test","password":"wrong"}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid credentials",
		},
		{
			name:       "locked",
			body:       `{"email":"nurse@clinic.test","password":"correct horse"}`,
			guard:      &fakeGuard{locked: true, until: time.Now().Add(10 * time.Minute)},
			wantStatus: http.StatusTooManyRequests,
			wantError:  "account temporarily locked",
		},
		{
			name:       "malformed json",
			body:       `{"email":`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid json body",
		},
		{
			name:       "unknown field",
			body:       `{"email":"nurse@clinic.test","password":"x","captcha":"y"}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid json body",
		},
		{
			name:       "invalid email",
			body:       `{"email":"not-an-email","password":"x"}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusBadRequest,
			wantError:  "email format is invalid",
		},
		{
			name:       "missing password",
			body:       `{"email":"nurse@clinic.test","password":""}`,
			guard:      &fakeGuard{},
			wantStatus: http.StatusBadRequest,
			wantError:  "password format is invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newTestService(newFakeAccounts(nurse(t)), tt.guard, &fakeAudit{})
			handler := NewHandler(service, observability.NewNoopLogger())

			req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			handler.Login(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
			}
			if tt.wantStatus == http.StatusTooManyRequests {
				retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
				require.NoError(t, err)
				assert.InDelta(t, 600, retryAfter, 2)
			}
			if tt.wantStatus == http.StatusOK {
				var result LoginResult
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
				assert.NotEmpty(t, result.AccessToken)
				assert.Equal(t, "nurse@clinic.test", result.Account.Email)
				assert.NotContains(t, rec.Body.String(), "password")
			}
		})
	}
}

func newSQLHandler(t *testing.T) (*Handler, *TokenIssuer, sqlmock.Sqlmock) {
	t.Helper()
	repo, mock := newMockRepo(t)
	issuer := NewTokenIssuer("secret", time.Hour)
	service := NewService(repo, issuer, &fakeGuard{}, &fakeAudit{}, observability.NewNoopLogger())
	return NewHandler(service, observability.NewNoopLogger()), issuer, mock
}

func TestHandler_Register(t *testing.T) {
	const insert = `INSERT INTO accounts .* RETURNING`

	tests := []struct {
		name       string
		body       string
		setup      func(mock sqlmock.Sqlmock)
		wantStatus int
		wantError  string
	}{
		{
			name: "created",
			body: `{"email":"Tech@Clinic.test","password":"long enough pw","name":"Tech"}`,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(insert).
					WithArgs(sqlmock.AnyArg(), "tech@clinic.test", "Tech", sqlmock.AnyArg(), "user", "active", sqlmock.AnyArg()).
					WillReturnRows(accountRow("0190a6a4-3c1e-7000-8000-0000000000cc", "tech@clinic.test", nil, nil, StatusActive, false))
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "duplicate email is generic",
			body: `{"email":"nurse@clinic.test","password":"long enough pw"}`,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(insert).
					WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "registration failed",
		},
		{
			name: "database down",
			body: `{"email":"tech@clinic.test","password":"long enough pw"}`,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(insert).WillReturnError(errors.New("connection refused"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "failed to register",
		},
		{
			name:       "short password",
			body:       `{"email":"tech@clinic.test","password":"short"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "password must be 8 to 72 bytes long",
		},
		{
			name:       "password past bcrypt limit",
			body:       `{"email":"tech@clinic.test","password":"` + strings.Repeat("p", 73) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "password must be 8 to 72 bytes long",
		},
		{
			name:       "invalid email",
			body:       `{"email":"tech","password":"long enough pw"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "email format is invalid",
		},
		{
			name:       "role cannot be chosen",
			body:       `{"email":"tech@clinic.test","password":"long enough pw","role":"admin"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid json body",
		},
		{
			name:       "name too long",
			body:       `{"email":"tech@clinic.test","password":"long enough pw","name":"` + strings.Repeat("n", 101) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "name is too long",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, mock := newSQLHandler(t)
			if tt.setup != nil {
				tt.setup(mock)
			}

			req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			handler.Register(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				var account PublicAccount
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
				assert.Equal(t, "tech@clinic.test", account.Email)
				assert.Equal(t, RoleUser, account.Role)
				assert.NotContains(t, rec.Body.String(), "password")
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestHandler_Me(t *testing.T) {
	const (
		accountID = "0190a6a4-3c1e-7000-8000-0000000000aa"
		byID      = `FROM accounts WHERE id = \$1`
	)

	tests := []struct {
		name       string
		withToken  bool
		setup      func(mock sqlmock.Sqlmock)
		wantStatus int
		wantError  string
	}{
		{
			name:      "active account",
			withToken: true,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(byID).WithArgs(accountID).
					WillReturnRows(accountRow(accountID, "nurse@clinic.test", nil, nil, StatusActive, true))
			},
			wantStatus: http.StatusOK,
		},
		{
			name:      "locked account",
			withToken: true,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(byID).WithArgs(accountID).
					WillReturnRows(accountRow(accountID, "nurse@clinic.test", nil, nil, StatusLocked, true))
			},
			wantStatus: http.StatusForbidden,
			wantError:  "account is not active",
		},
		{
			name:      "deleted account",
			withToken: true,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(byID).WithArgs(accountID).WillReturnRows(sqlmock.NewRows(accountCols))
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  "account not found",
		},
		{
			name:       "no token",
			wantStatus: http.StatusUnauthorized,
			wantError:  "missing authorization token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, issuer, mock := newSQLHandler(t)
			if tt.setup != nil {
				tt.setup(mock)
			}

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.withToken {
				token, err := issuer.Issue(accountID, 0)
				require.NoError(t, err)
				req.Header.Set("Authorization", "Bearer "+token.Value)
			}
			rec := httptest.NewRecorder()

			Middleware(issuer, http.HandlerFunc(handler.Me)).ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
			} else {
				assert.JSONEq(t, `{"id":"`+accountID+`","email":"nurse@clinic.test","name":"Someone","role":"user","email_verified":true}`, rec.Body.String())
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMiddleware(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	valid, err := issuer.Issue("account-1", 0)
	require.NoError(t, err)

	expiredIssuer := NewTokenIssuer("secret", time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue("account-1", 0)
	require.NoError(t, err)

	var seen string
	protected := Middleware(issuer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{name: "valid", header: "Bearer " + valid.Value, wantStatus: http.StatusNoContent},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantError: "missing authorization token"},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantError: "invalid authorization format"},
		{name: "expired", header: "Bearer " + expired.Value, wantStatus: http.StatusUnauthorized, wantError: "token expired"},
		{name: "invalid", header: "Bearer abc.def.ghi", wantStatus: http.StatusUnauthorized, wantError: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.JSONEq(t, `{"error":"`+tt.wantError+`"}`, rec.Body.String())
				assert.Empty(t, seen)
				return
			}
			assert.Equal(t, "account-1", seen)
		})
	}
}

func TestRequireElevated(t *testing.T) {
	admin := Account{ID: "admin-id", Email: "admin@clinic.test", Role: RoleAdmin, Status: StatusActive}
	manager := Account{ID: "manager-id", Email: "manager@clinic.test", Role: RoleManager, Status: StatusActive}
	user := Account{ID: "user-id", Email: "user@clinic.test", Role: RoleUser, Status: StatusActive}
	lockedAdmin := Account{ID: "locked-id", Email: "locked@clinic.test", Role: RoleAdmin, Status: StatusLocked}
	accounts := newFakeAccounts(admin, manager, user, lockedAdmin)

	handler := RequireElevated(accounts, observability.NewNoopLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		accountID  string
		wantStatus int
	}{
		{name: "admin", accountID: "admin-id", wantStatus: http.StatusNoContent},
		{name: "manager", accountID: "manager-id", wantStatus: http.StatusNoContent},
		{name: "user", accountID: "user-id", wantStatus: http.StatusForbidden},
		{name: "locked admin", accountID: "locked-id", wantStatus: http.StatusForbidden},
		{name: "deleted account", accountID: "gone", wantStatus: http.StatusUnauthorized},
		{name: "no identity", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/alerts/x/resolve", nil)
			if tt.accountID != "" {
				req = req.WithContext(WithAccountID(req.Context(), tt.accountID))
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestLoginRateLimiter(t *testing.T) {
	limiter := NewLoginRateLimiter(3)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.allow("1.1.1.1", now)
		require.True(t, allowed)
	}

	allowed, retryAfter := limiter.allow("1.1.1.1", now)
	assert.False(t, allowed)
	assert.GreaterOrEqual(t, retryAfter, time.Second)

	allowed, _ = limiter.allow("2.2.2.2", now)
	assert.True(t, allowed, "limits are per ip")

	allowed, _ = limiter.allow("1.1.1.1", now.Add(25*time.Second))
	assert.True(t, allowed, "tokens refill over time")

	assert.Equal(t, 2, limiter.Sweep(now.Add(time.Hour)))
}

func TestLoginRateLimiter_Middleware(t *testing.T) {
	limiter := NewLoginRateLimiter(1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
