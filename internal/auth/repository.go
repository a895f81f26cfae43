package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrIdentityNotLinkable is returned when a provider identity cannot be
	// attached to the account that owns its email.
	ErrIdentityNotLinkable = errors.New("provider identity cannot be linked")
	ErrEmailTaken          = errors.New("email already registered")
	errUniqueViolation     = errors.New("unique violation")
)

const accountColumns = `id, email, name, password_hash, oauth_provider, oauth_id, role, status, email_verified, last_login, created_at, updated_at`

const uniqueViolationCode = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, normalizeEmail(email))
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}
	return account, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrAccountNotFound
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}
	return account, nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET last_login = $2, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ResolveOAuthAccount finds, links or creates the account for a provider
// identity in one transaction. It is the only place where an OAuth login
// writes account state.
func (r *Repository) ResolveOAuthAccount(ctx context.Context, identity OAuthIdentity, policy LinkPolicy, now time.Time) (Account, bool, error) {
	account, created, err := r.resolveOAuthAccountTx(ctx, identity, policy, now)
	if errors.Is(err, errUniqueViolation) {
		// a concurrent first login for the same identity won the insert
		account, created, err = r.resolveOAuthAccountTx(ctx, identity, policy, now)
	}
	if errors.Is(err, errUniqueViolation) {
		return Account{}, false, ErrIdentityNotLinkable
	}
	return account, created, err
}

func (r *Repository) resolveOAuthAccountTx(ctx context.Context, identity OAuthIdentity, policy LinkPolicy, now time.Time) (Account, bool, error) {
	email := normalizeEmail(identity.Email)
	now = now.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, false, fmt.Errorf("begin oauth account tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE oauth_provider = $1 AND oauth_id = $2
		FOR UPDATE
	`, identity.Provider, identity.ProviderID)
	account, err := scanAccount(row)
	switch {
	case err == nil:
		if account.Status != StatusActive {
			return Account{}, false, ErrAccountLocked
		}
		row = tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET last_login = $2, updated_at = $2
			WHERE id = $1
			RETURNING `+accountColumns, account.ID, now)
		if account, err = scanAccount(row); err != nil {
			return Account{}, false, fmt.Errorf("touch oauth account: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Account{}, false, fmt.Errorf("commit oauth account tx: %w", err)
		}
		return account, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Account{}, false, fmt.Errorf("query account by provider identity: %w", err)
	}

	row = tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1 FOR UPDATE`, email)
	account, err = scanAccount(row)
	switch {
	case err == nil:
		if account.Status != StatusActive {
			return Account{}, false, ErrAccountLocked
		}
		if !policy.emailTrusted(identity) {
			return Account{}, false, fmt.Errorf("%w: provider email not verified", ErrIdentityNotLinkable)
		}
		if account.OAuthProvider != "" && account.OAuthProvider != identity.Provider {
			return Account{}, false, fmt.Errorf("%w: account linked to %s", ErrIdentityNotLinkable, account.OAuthProvider)
		}
		if account.OAuthProvider == identity.Provider && account.OAuthID != "" && account.OAuthID != identity.ProviderID {
			return Account{}, false, fmt.Errorf("%w: account linked to another %s identity", ErrIdentityNotLinkable, identity.Provider)
		}

		row = tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET oauth_provider = $2, oauth_id = $3, email_verified = TRUE, last_login = $4, updated_at = $4
			WHERE id = $1
			RETURNING `+accountColumns, account.ID, identity.Provider, identity.ProviderID, now)
		if account, err = scanAccount(row); err != nil {
			return Account{}, false, wrapWriteErr("link oauth identity", err)
		}
		if err := tx.Commit(); err != nil {
			return Account{}, false, fmt.Errorf("commit oauth account tx: %w", err)
		}
		return account, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Account{}, false, fmt.Errorf("query account by email: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, false, fmt.Errorf("generate uuid v7: %w", err)
	}

	name := strings.TrimSpace(identity.Name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	row = tx.QueryRowContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, oauth_provider, oauth_id, role, status, email_verified, last_login, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, $9, $9, $9)
		RETURNING `+accountColumns,
		id.String(), email, name, identity.Provider, identity.ProviderID, string(RoleUser), string(StatusActive), policy.emailTrusted(identity), now)
	if account, err = scanAccount(row); err != nil {
		return Account{}, false, wrapWriteErr("insert oauth account", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, false, fmt.Errorf("commit oauth account tx: %w", err)
	}

	return account, true, nil
}

// CreatePasswordAccount inserts an active, unverified user with a password
// login. A duplicate email maps to ErrEmailTaken.
func (r *Repository) CreatePasswordAccount(ctx context.Context, email, name, passwordHash string) (Account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	email = normalizeEmail(email)
	now := time.Now().UTC()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, role, status, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		RETURNING `+accountColumns,
		id.String(), email, name, passwordHash, string(RoleUser), string(StatusActive), now)
	account, err := scanAccount(row)
	if err != nil {
		err = wrapWriteErr("insert password account", err)
		if errors.Is(err, errUniqueViolation) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, err
	}

	return account, nil
}

// UpsertAdmin creates or resets the bootstrap administrator.
func (r *Repository) UpsertAdmin(ctx context.Context, email, passwordHash string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	email = normalizeEmail(email)
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, role, status, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (email) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, id.String(), email, "Administrator", passwordHash, string(RoleAdmin), string(StatusActive), now)
	if err != nil {
		return fmt.Errorf("upsert admin account: %w", err)
	}

	return nil
}

func wrapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%s: %w: %s", op, errUniqueViolation, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		account       Account
		passwordHash  sql.NullString
		oauthProvider sql.NullString
		oauthID       sql.NullString
		role          string
		status        string
		lastLogin     sql.NullTime
	)

	err := row.Scan(
		&account.ID, &account.Email, &account.Name, &passwordHash, &oauthProvider, &oauthID,
		&role, &status, &account.EmailVerified, &lastLogin, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}

	account.PasswordHash = passwordHash.String
	account.OAuthProvider = oauthProvider.String
	account.OAuthID = oauthID.String
	account.Role = Role(role)
	account.Status = Status(status)
	if lastLogin.Valid {
		value := lastLogin.Time.UTC()
		account.LastLogin = &value
	}

	return account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
