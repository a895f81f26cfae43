// Package oauth runs the authorization-code login flow against external
// identity providers.
package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrOAuthStateInvalidOrExpired = errors.New("oauth state invalid or expired")
	ErrOAuthProviderError         = errors.New("oauth provider error")
	ErrIdentityResolutionFailed   = errors.New("identity resolution failed")
	ErrUnknownProvider            = errors.New("unknown oauth provider")
)

type Step string

const (
	StepInitiated          Step = "INITIATED"
	StepProviderRedirected Step = "PROVIDER_REDIRECTED"
	StepCodeReceived       Step = "CODE_RECEIVED"
	StepTokenExchanged     Step = "TOKEN_EXCHANGED"
	StepIdentityResolved   Step = "IDENTITY_RESOLVED"
	StepAccountResolved    Step = "ACCOUNT_RESOLVED"
	StepSessionIssued      Step = "SESSION_ISSUED"
	StepFailed             Step = "FAILED"
)

// Error codes sent to the frontend. They never carry provider detail.
const (
	CodeInvalidState    = "invalid_state"
	CodeAccessDenied    = "access_denied"
	CodeProviderError   = "provider_error"
	CodeIdentityFailed  = "identity_resolution_failed"
	CodeAccountLocked   = "account_locked"
	CodeServerError     = "server_error"
	CodeUnknownProvider = "unknown_provider"
)

var descriptions = map[string]string{
	CodeInvalidState:    "The login request expired or was already used. Please try again.",
	CodeAccessDenied:    "The provider denied the authorization request.",
	CodeProviderError:   "The identity provider could not complete the login.",
	CodeIdentityFailed:  "Your provider account could not be matched to a console account.",
	CodeAccountLocked:   "This account is not allowed to sign in.",
	CodeServerError:     "Login failed. Please try again later.",
	CodeUnknownProvider: "This login provider is not available.",
}

func describe(code string) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return descriptions[CodeServerError]
}

// StepError is the failure of one flow step. Err wraps one of the package
// sentinels or an unexpected error.
type StepError struct {
	Step Step
	Code string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("oauth %s: %s: %v", e.Step, e.Code, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Flow is one pass through the login state machine. Trace lists every step
// reached, ending in SESSION_ISSUED or FAILED.
type Flow struct {
	Provider  string
	State     string
	IP        string
	UserAgent string
	Trace     []Step
	Err       *StepError
}

func newFlow(provider, ip, userAgent string, from Step) *Flow {
	return &Flow{
		Provider:  provider,
		IP:        ip,
		UserAgent: userAgent,
		Trace:     []Step{from},
	}
}

func (f *Flow) Current() Step {
	return f.Trace[len(f.Trace)-1]
}

func (f *Flow) Failed() bool {
	return f.Current() == StepFailed
}

func (f *Flow) advance(step Step) {
	if f.Failed() {
		return
	}
	f.Trace = append(f.Trace, step)
}

func (f *Flow) fail(err *StepError) *StepError {
	if !f.Failed() {
		f.Trace = append(f.Trace, StepFailed)
		f.Err = err
	}
	return err
}
