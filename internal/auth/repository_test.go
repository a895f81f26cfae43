package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{
	"id", "email", "name", "password_hash", "oauth_provider", "oauth_id",
	"role", "status", "email_verified", "last_login", "created_at", "updated_at",
}

func accountRow(id, email string, provider, oauthID any, status Status, verified bool) *sqlmock.Rows {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(accountCols).AddRow(
		id, email, "Someone", nil, provider, oauthID,
		string(RoleUser), string(status), verified, nil, now, now,
	)
}

var (
	selectByProvider = regexp.QuoteMeta(`FROM accounts`) + `\s+WHERE oauth_provider = \$1 AND oauth_id = \$2\s+FOR UPDATE`
	selectByEmail    = `FROM accounts WHERE email = \$1 FOR UPDATE`
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

var googleIdentity = OAuthIdentity{
	Provider:      "google",
	ProviderID:    "g-1",
	Email:         "Doc@Clinic.test",
	EmailVerified: true,
	Name:          "Doc",
}

func TestResolveOAuthAccount_ExistingLink(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := "0190a6a4-3c1e-7000-8000-000000000001"

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).
		WithArgs("google", "g-1").
		WillReturnRows(accountRow(id, "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectQuery(`UPDATE accounts\s+SET last_login = \$2`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(accountRow(id, "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectCommit()

	account, created, err := repo.ResolveOAuthAccount(context.Background(), googleIdentity, LinkPolicy{}, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, account.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_LinksVerifiedEmail(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := "0190a6a4-3c1e-7000-8000-000000000002"

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(selectByEmail).
		WithArgs("doc@clinic.test").
		WillReturnRows(accountRow(id, "doc@clinic.test", nil, nil, StatusActive, false))
	mock.ExpectQuery(`UPDATE accounts\s+SET oauth_provider = \$2, oauth_id = \$3, email_verified = TRUE`).
		WithArgs(id, "google", "g-1", sqlmock.AnyArg()).
		WillReturnRows(accountRow(id, "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectCommit()

	account, created, err := repo.ResolveOAuthAccount(context.Background(), googleIdentity, LinkPolicy{}, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "google", account.OAuthProvider)
	assert.True(t, account.EmailVerified)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_RefusesUnverifiedLink(t *testing.T) {
	repo, mock := newMockRepo(t)
	identity := googleIdentity
	identity.EmailVerified = false

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(selectByEmail).
		WithArgs("doc@clinic.test").
		WillReturnRows(accountRow("existing", "doc@clinic.test", nil, nil, StatusActive, true))
	mock.ExpectRollback()

	_, _, err := repo.ResolveOAuthAccount(context.Background(), identity, LinkPolicy{}, time.Now())
	assert.ErrorIs(t, err, ErrIdentityNotLinkable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_TrustPolicyAllowsUnverifiedLink(t *testing.T) {
	repo, mock := newMockRepo(t)
	identity := googleIdentity
	identity.EmailVerified = false

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(selectByEmail).
		WithArgs("doc@clinic.test").
		WillReturnRows(accountRow("existing", "doc@clinic.test", nil, nil, StatusActive, true))
	mock.ExpectQuery(`UPDATE accounts\s+SET oauth_provider`).
		WillReturnRows(accountRow("existing", "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectCommit()

	_, _, err := repo.ResolveOAuthAccount(context.Background(), identity, LinkPolicy{TrustProviderEmail: true}, time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_RefusesLinkToOtherProvider(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(selectByEmail).
		WithArgs("doc@clinic.test").
		WillReturnRows(accountRow("existing", "doc@clinic.test", "github", "99", StatusActive, true))
	mock.ExpectRollback()

	_, _, err := repo.ResolveOAuthAccount(context.Background(), googleIdentity, LinkPolicy{}, time.Now())
	assert.ErrorIs(t, err, ErrIdentityNotLinkable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_LockedAccount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).
		WithArgs("google", "g-1").
		WillReturnRows(accountRow("locked", "doc@clinic.test", "google", "g-1", StatusLocked, true))
	mock.ExpectRollback()

	_, _, err := repo.ResolveOAuthAccount(context.Background(), googleIdentity, LinkPolicy{}, time.Now())
	assert.ErrorIs(t, err, ErrAccountLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveOAuthAccount_CreatesAccount(t *testing.T) {
	tests := []struct {
		name         string
		verified     bool
		policy       LinkPolicy
		wantVerified bool
	}{
		{name: "verified by provider", verified: true, wantVerified: true},
		{name: "unverified", verified: false, wantVerified: false},
		{name: "unverified but trusted", verified: false, policy: LinkPolicy{TrustProviderEmail: true}, wantVerified: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			identity := googleIdentity
			identity.EmailVerified = tt.verified

			mock.ExpectBegin()
			mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
			mock.ExpectQuery(selectByEmail).WithArgs("doc@clinic.test").WillReturnRows(sqlmock.NewRows(accountCols))
			mock.ExpectQuery(`INSERT INTO accounts`).
				WithArgs(sqlmock.AnyArg(), "doc@clinic.test", "Doc", "google", "g-1", "user", "active", tt.wantVerified, sqlmock.AnyArg()).
				WillReturnRows(accountRow("new-id", "doc@clinic.test", "google", "g-1", StatusActive, tt.wantVerified))
			mock.ExpectCommit()

			account, created, err := repo.ResolveOAuthAccount(context.Background(), identity, tt.policy, time.Now())
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "new-id", account.ID)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestResolveOAuthAccount_RetriesConcurrentInsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	conflict := &pgconn.PgError{Code: "23505", ConstraintName: "accounts_oauth_identity_key"}

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).WithArgs("google", "g-1").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(selectByEmail).WithArgs("doc@clinic.test").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectQuery(`INSERT INTO accounts`).WillReturnError(conflict)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(selectByProvider).
		WithArgs("google", "g-1").
		WillReturnRows(accountRow("winner", "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectQuery(`UPDATE accounts\s+SET last_login`).
		WillReturnRows(accountRow("winner", "doc@clinic.test", "google", "g-1", StatusActive, true))
	mock.ExpectCommit()

	account, created, err := repo.ResolveOAuthAccount(context.Background(), googleIdentity, LinkPolicy{}, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", account.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByIDRejectsMalformedID(t *testing.T) {
	repo, mock := newMockRepo(t)

	_, err := repo.GetByID(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByEmail(t *testing.T) {
	repo, mock := newMockRepo(t)
	lastLogin := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
		WithArgs("nurse@clinic.test").
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(
			"id-1", "nurse@clinic.test", "Nurse", "$2a$hash", nil, nil,
			"manager", "active", true, lastLogin, now, now,
		))
	mock.ExpectQuery(`FROM accounts WHERE email = \$1`).
		WithArgs("ghost@clinic.test").
		WillReturnRows(sqlmock.NewRows(accountCols))

	account, err := repo.GetByEmail(context.Background(), " Nurse@Clinic.test")
	require.NoError(t, err)
	assert.Equal(t, RoleManager, account.Role)
	assert.Equal(t, "$2a$hash", account.PasswordHash)
	assert.Empty(t, account.OAuthProvider)
	require.NotNil(t, account.LastLogin)
	assert.Equal(t, lastLogin, *account.LastLogin)

	_, err = repo.GetByEmail(context.Background(), "ghost@clinic.test")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpsertAdmin(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO accounts .* ON CONFLICT \(email\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "admin@clinic.test", "Administrator", "hash", "admin", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertAdmin(context.Background(), "Admin@Clinic.test", "hash"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreatePasswordAccount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO accounts .* RETURNING`).
		WithArgs(sqlmock.AnyArg(), "tech@clinic.test", "Tech", "hash", "user", "active", sqlmock.AnyArg()).
		WillReturnRows(accountRow("new-id", "tech@clinic.test", nil, nil, StatusActive, false))
	mock.ExpectQuery(`INSERT INTO accounts .* RETURNING`).
		WithArgs(sqlmock.AnyArg(), "tech@clinic.test", "Tech", "hash", "user", "active", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key"})

	account, err := repo.CreatePasswordAccount(context.Background(), "Tech@Clinic.test", "Tech", "hash")
	require.NoError(t, err)
	assert.Equal(t, "new-id", account.ID)
	assert.Equal(t, RoleUser, account.Role)
	assert.False(t, account.EmailVerified)

	_, err = repo.CreatePasswordAccount(context.Background(), "Tech@Clinic.test", "Tech", "hash")
	assert.ErrorIs(t, err, ErrEmailTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}
