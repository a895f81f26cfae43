package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AccountFinder interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
}

// CredentialVerifier checks an email and password against the stored bcrypt
// hash. It has no side effects.
type CredentialVerifier struct {
	accounts  AccountFinder
	dummyHash []byte
}

func NewCredentialVerifier(accounts AccountFinder) *CredentialVerifier {
	dummy, err := bcrypt.GenerateFromPassword([]byte("vidashield-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic("generate dummy bcrypt hash: " + err.Error())
	}
	return &CredentialVerifier{accounts: accounts, dummyHash: dummy}
}

// Verify returns the account on success and ErrInvalidCredentials for any
// unknown, passwordless, inactive or mismatched account.
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (Account, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	account, err := v.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	if strings.TrimSpace(account.PasswordHash) == "" {
		_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	if account.Status != StatusActive {
		return Account{}, ErrInvalidCredentials
	}

	return account, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
