package auth

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Elevated reports whether the role may triage alerts.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleManager
}

type Status string

const (
	StatusActive  Status = "active"
	StatusLocked  Status = "locked"
	StatusPending Status = "pending"
)

type Account struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	OAuthProvider string
	OAuthID       string
	Role          Role
	Status        Status
	EmailVerified bool
	LastLogin     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a Account) Public() PublicAccount {
	return PublicAccount{
		ID:            a.ID,
		Email:         a.Email,
		Name:          a.Name,
		Role:          a.Role,
		EmailVerified: a.EmailVerified,
	}
}

type PublicAccount struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
	EmailVerified bool   `json:"email_verified"`
}

// LoginAttempt describes one password login for attempt tracking.
type LoginAttempt struct {
	Email     string
	IP        string
	UserAgent string
	At        time.Time
}

type LoginResult struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresIn   int64         `json:"expires_in"`
	Account     PublicAccount `json:"account"`
}

// OAuthIdentity is the provider-asserted identity used to resolve an
// account after a successful authorization-code exchange.
type OAuthIdentity struct {
	Provider      string
	ProviderID    string
	Email         string
	EmailVerified bool
	Name          string
}

// LinkPolicy controls how provider-asserted emails are trusted.
type LinkPolicy struct {
	TrustProviderEmail bool
}

func (p LinkPolicy) emailTrusted(identity OAuthIdentity) bool {
	return identity.EmailVerified || p.TrustProviderEmail
}
