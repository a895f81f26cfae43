package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vidashield/internal/audit"
	"vidashield/internal/observability"
)

var ErrAccountLocked = errors.New("account locked")

// LockedError carries the earliest time a locked key may retry.
type LockedError struct {
	Until time.Time
}

func (e LockedError) Error() string {
	return "login temporarily locked"
}

func (e LockedError) Unwrap() error {
	return ErrAccountLocked
}

// AttemptGuard tracks password login outcomes per (email, ip).
type AttemptGuard interface {
	Locked(ctx context.Context, attempt LoginAttempt) (bool, time.Time, error)
	RecordFailure(ctx context.Context, attempt LoginAttempt) error
	RecordSuccess(ctx context.Context, attempt LoginAttempt) error
}

type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event)
}

type AccountStore interface {
	AccountFinder
	GetByID(ctx context.Context, id string) (Account, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	CreatePasswordAccount(ctx context.Context, email, name, passwordHash string) (Account, error)
	UpsertAdmin(ctx context.Context, email, passwordHash string) error
}

type Service struct {
	accounts AccountStore
	verifier *CredentialVerifier
	issuer   *TokenIssuer
	guard    AttemptGuard
	audit    AuditEmitter
	logger   *observability.Logger
	now      func() time.Time
}

func NewService(accounts AccountStore, issuer *TokenIssuer, guard AttemptGuard, emitter AuditEmitter, logger *observability.Logger) *Service {
	return &Service{
		accounts: accounts,
		verifier: NewCredentialVerifier(accounts),
		issuer:   issuer,
		guard:    guard,
		audit:    emitter,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (LoginResult, error) {
	attempt := LoginAttempt{
		Email:     normalizeEmail(email),
		IP:        ip,
		UserAgent: userAgent,
		At:        s.now(),
	}

	locked, until, err := s.guard.Locked(ctx, attempt)
	if err != nil {
		return LoginResult{}, fmt.Errorf("check login lock: %w", err)
	}
	if locked {
		s.emit(ctx, attempt, "", false, "locked")
		return LoginResult{}, LockedError{Until: until}
	}

	account, err := s.verifier.Verify(ctx, attempt.Email, password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return LoginResult{}, err
		}
		if recErr := s.guard.RecordFailure(ctx, attempt); recErr != nil {
			s.logger.Error("login_failure_record_failed", map[string]any{"ip": ip, "error": recErr.Error()})
		}
		s.emit(ctx, attempt, "", false, "invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.guard.RecordSuccess(ctx, attempt); err != nil {
		s.logger.Error("login_success_record_failed", map[string]any{"ip": ip, "error": err.Error()})
	}
	if err := s.accounts.TouchLastLogin(ctx, account.ID, attempt.At); err != nil {
		return LoginResult{}, err
	}

	token, err := s.issuer.Issue(account.ID, 0)
	if err != nil {
		return LoginResult{}, err
	}

	s.emit(ctx, attempt, account.ID, true, "")

	return LoginResult{
		AccessToken: token.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int64(token.ExpiresAt.Sub(attempt.At).Seconds()),
		Account:     account.Public(),
	}, nil
}

// Register creates a password account with the default user role.
func (s *Service) Register(ctx context.Context, email, password, name string) (PublicAccount, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := HashPassword(password)
	if err != nil {
		return PublicAccount{}, fmt.Errorf("hash password: %w", err)
	}

	account, err := s.accounts.CreatePasswordAccount(ctx, email, name, hash)
	if err != nil {
		return PublicAccount{}, err
	}

	s.logger.Info("account_registered", map[string]any{"account_id": account.ID})
	return account.Public(), nil
}

// Profile returns the public view of an active account.
func (s *Service) Profile(ctx context.Context, accountID string) (PublicAccount, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return PublicAccount{}, err
	}
	if account.Status != StatusActive {
		return PublicAccount{}, ErrAccountLocked
	}
	return account.Public(), nil
}

func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("admin email and password are required together")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.accounts.UpsertAdmin(ctx, email, hash)
}

func (s *Service) emit(ctx context.Context, attempt LoginAttempt, accountID string, success bool, reason string) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, audit.Event{
		Action:        audit.ActionLogin,
		Provider:      "password",
		Email:         attempt.Email,
		AccountID:     accountID,
		IPAddress:     attempt.IP,
		UserAgent:     attempt.UserAgent,
		Success:       success,
		FailureReason: reason,
		At:            attempt.At,
	})
}
