package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"vidashield/internal/audit"
	"vidashield/internal/auth"
	"vidashield/internal/observability"
)

const stateBytes = 32

// AccountResolver finds, links or creates the account for an identity in a
// single transaction.
type AccountResolver interface {
	ResolveOAuthAccount(ctx context.Context, identity auth.OAuthIdentity, policy auth.LinkPolicy, now time.Time) (auth.Account, bool, error)
}

type Options struct {
	FrontendURL     string
	StateTTL        time.Duration
	ProviderTimeout time.Duration
	Policy          auth.LinkPolicy
}

type Coordinator struct {
	providers map[string]Provider
	states    StateStore
	accounts  AccountResolver
	issuer    *auth.TokenIssuer
	audit     auth.AuditEmitter
	logger    *observability.Logger
	opts      Options
	now       func() time.Time
}

func NewCoordinator(
	providers []Provider,
	states StateStore,
	accounts AccountResolver,
	issuer *auth.TokenIssuer,
	emitter auth.AuditEmitter,
	logger *observability.Logger,
	opts Options,
) *Coordinator {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")

	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	return &Coordinator{
		providers: byName,
		states:    states,
		accounts:  accounts,
		issuer:    issuer,
		audit:     emitter,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) HasProvider(name string) bool {
	_, ok := c.providers[name]
	return ok
}

// Initiate stores a fresh state for the provider and returns the
// authorization URL to redirect the user agent to.
func (c *Coordinator) Initiate(ctx context.Context, providerName, ip, userAgent string) (string, *Flow, error) {
	flow := newFlow(providerName, ip, userAgent, StepInitiated)

	provider, ok := c.providers[providerName]
	if !ok {
		return "", flow, flow.fail(&StepError{Step: StepInitiated, Code: CodeUnknownProvider, Err: ErrUnknownProvider})
	}

	state, err := randomState()
	if err != nil {
		return "", flow, flow.fail(&StepError{Step: StepInitiated, Code: CodeServerError, Err: err})
	}

	now := c.now()
	entry := StateEntry{
		Provider:    providerName,
		RedirectURI: provider.RedirectURL(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.opts.StateTTL),
	}
	if err := c.states.Save(ctx, state, entry); err != nil {
		return "", flow, flow.fail(&StepError{Step: StepInitiated, Code: CodeServerError, Err: err})
	}

	flow.State = state
	flow.advance(StepProviderRedirected)

	return provider.AuthCodeURL(state), flow, nil
}

type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	IP               string
	UserAgent        string
}

// Callback runs the remaining steps and returns the frontend URL to redirect
// to. It never returns an error; failures are recorded on the flow and
// encoded in the redirect.
func (c *Coordinator) Callback(ctx context.Context, providerName string, params CallbackParams) (*Flow, string) {
	flow := newFlow(providerName, params.IP, params.UserAgent, StepProviderRedirected)
	flow.State = params.State

	token, account, err := c.runCallback(ctx, flow, providerName, params)
	if err != nil {
		c.recordFailure(ctx, flow, err)
		return flow, c.frontendURL(url.Values{
			"error":             {err.Code},
			"error_description": {describe(err.Code)},
		})
	}

	c.emit(ctx, flow, account.Email, account.ID, true, "")
	c.logger.Info("oauth_login_succeeded", map[string]any{
		"provider":   providerName,
		"account_id": account.ID,
		"ip":         params.IP,
	})

	return flow, c.frontendURL(url.Values{"token": {token.Value}})
}

func (c *Coordinator) runCallback(ctx context.Context, flow *Flow, providerName string, params CallbackParams) (auth.Token, auth.Account, *StepError) {
	provider, ok := c.providers[providerName]
	if !ok {
		return auth.Token{}, auth.Account{}, flow.fail(&StepError{Step: StepCodeReceived, Code: CodeUnknownProvider, Err: ErrUnknownProvider})
	}

	if err := c.receiveCode(ctx, flow, providerName, params); err != nil {
		return auth.Token{}, auth.Account{}, err
	}

	providerToken, err := c.exchange(ctx, flow, provider, params.Code)
	if err != nil {
		return auth.Token{}, auth.Account{}, err
	}

	identity, err := c.resolveIdentity(ctx, flow, provider, providerToken)
	if err != nil {
		return auth.Token{}, auth.Account{}, err
	}

	account, err := c.resolveAccount(ctx, flow, identity)
	if err != nil {
		return auth.Token{}, auth.Account{}, err
	}

	session, err := c.issueSession(flow, account)
	if err != nil {
		return auth.Token{}, account, err
	}

	return session, account, nil
}

// receiveCode consumes the state before anything else so that a state is
// destroyed by its first callback whatever the outcome.
func (c *Coordinator) receiveCode(ctx context.Context, flow *Flow, providerName string, params CallbackParams) *StepError {
	if strings.TrimSpace(params.State) == "" {
		return flow.fail(&StepError{Step: StepCodeReceived, Code: CodeInvalidState, Err: ErrOAuthStateInvalidOrExpired})
	}

	entry, ok, err := c.states.Consume(ctx, params.State, c.now())
	if err != nil {
		return flow.fail(&StepError{Step: StepCodeReceived, Code: CodeServerError, Err: err})
	}
	if !ok {
		return flow.fail(&StepError{Step: StepCodeReceived, Code: CodeInvalidState, Err: ErrOAuthStateInvalidOrExpired})
	}
	if entry.Provider != providerName {
		return flow.fail(&StepError{
			Step: StepCodeReceived,
			Code: CodeInvalidState,
			Err:  fmt.Errorf("%w: issued for %s", ErrOAuthStateInvalidOrExpired, entry.Provider),
		})
	}

	if params.Error != "" {
		code := CodeProviderError
		if params.Error == "access_denied" {
			code = CodeAccessDenied
		}
		return flow.fail(&StepError{
			Step: StepCodeReceived,
			Code: code,
			Err:  fmt.Errorf("%w: %s: %s", ErrOAuthProviderError, params.Error, params.ErrorDescription),
		})
	}
	if strings.TrimSpace(params.Code) == "" {
		return flow.fail(&StepError{
			Step: StepCodeReceived,
			Code: CodeProviderError,
			Err:  fmt.Errorf("%w: callback without code", ErrOAuthProviderError),
		})
	}

	flow.advance(StepCodeReceived)
	return nil
}

func (c *Coordinator) exchange(ctx context.Context, flow *Flow, provider Provider, code string) (*oauth2.Token, *StepError) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProviderTimeout)
	defer cancel()

	token, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, flow.fail(&StepError{Step: StepTokenExchanged, Code: CodeProviderError, Err: providerErr(err)})
	}

	flow.advance(StepTokenExchanged)
	return token, nil
}

func (c *Coordinator) resolveIdentity(ctx context.Context, flow *Flow, provider Provider, token *oauth2.Token) (auth.OAuthIdentity, *StepError) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ProviderTimeout)
	defer cancel()

	identity, err := provider.Identity(ctx, token)
	if err != nil {
		if errors.Is(err, ErrIdentityResolutionFailed) {
			return auth.OAuthIdentity{}, flow.fail(&StepError{Step: StepIdentityResolved, Code: CodeIdentityFailed, Err: err})
		}
		return auth.OAuthIdentity{}, flow.fail(&StepError{Step: StepIdentityResolved, Code: CodeProviderError, Err: providerErr(err)})
	}

	flow.advance(StepIdentityResolved)
	return identity, nil
}

func (c *Coordinator) resolveAccount(ctx context.Context, flow *Flow, identity auth.OAuthIdentity) (auth.Account, *StepError) {
	if err := ctx.Err(); err != nil {
		return auth.Account{}, flow.fail(&StepError{Step: StepAccountResolved, Code: CodeServerError, Err: err})
	}

	account, created, err := c.accounts.ResolveOAuthAccount(ctx, identity, c.opts.Policy, c.now())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			return auth.Account{}, flow.fail(&StepError{Step: StepAccountResolved, Code: CodeAccountLocked, Err: err})
		case errors.Is(err, auth.ErrIdentityNotLinkable):
			return auth.Account{}, flow.fail(&StepError{
				Step: StepAccountResolved,
				Code: CodeIdentityFailed,
				Err:  fmt.Errorf("%w: %v", ErrIdentityResolutionFailed, err),
			})
		default:
			return auth.Account{}, flow.fail(&StepError{Step: StepAccountResolved, Code: CodeServerError, Err: err})
		}
	}

	if created {
		c.logger.Info("oauth_account_created", map[string]any{
			"provider":   identity.Provider,
			"account_id": account.ID,
		})
	}

	flow.advance(StepAccountResolved)
	return account, nil
}

func (c *Coordinator) issueSession(flow *Flow, account auth.Account) (auth.Token, *StepError) {
	token, err := c.issuer.Issue(account.ID, 0)
	if err != nil {
		return auth.Token{}, flow.fail(&StepError{Step: StepSessionIssued, Code: CodeServerError, Err: err})
	}

	flow.advance(StepSessionIssued)
	return token, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, flow *Flow, err *StepError) {
	fields := map[string]any{
		"provider": flow.Provider,
		"step":     string(err.Step),
		"code":     err.Code,
		"reason":   err.Err.Error(),
		"ip":       flow.IP,
	}

	if err.Code == CodeServerError {
		c.logger.Error("oauth_login_failed", fields)
		observability.CaptureError(err, fields)
	} else {
		c.logger.Warn("oauth_login_failed", fields)
	}

	c.emit(ctx, flow, "", "", false, err.Code)
}

func (c *Coordinator) emit(ctx context.Context, flow *Flow, email, accountID string, success bool, reason string) {
	if c.audit == nil {
		return
	}
	c.audit.Emit(ctx, audit.Event{
		Action:        audit.ActionOAuthLogin,
		Provider:      flow.Provider,
		Email:         email,
		AccountID:     accountID,
		IPAddress:     flow.IP,
		UserAgent:     flow.UserAgent,
		Success:       success,
		FailureReason: reason,
		At:            c.now(),
	})
}

func (c *Coordinator) frontendURL(query url.Values) string {
	return c.opts.FrontendURL + "/oauth-callback?" + query.Encode()
}

func providerErr(err error) error {
	if errors.Is(err, ErrOAuthProviderError) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrOAuthProviderError, err)
}

func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
