package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"vidashield/internal/auth"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"

	DefaultProviderTimeout = 10 * time.Second

	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubAPIBaseURL  = "https://api.github.com"

	maxProviderBody = 1 << 20
)

// Provider is one external identity provider.
type Provider interface {
	Name() string
	RedirectURL() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Identity(ctx context.Context, token *oauth2.Token) (auth.OAuthIdentity, error)
}

// ProviderConfig holds client credentials. Endpoint and APIBaseURL default
// to the public provider URLs when empty.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	APIBaseURL   string
	Timeout      time.Duration
	Transport    http.RoundTripper
}

type baseProvider struct {
	name   string
	oauth  *oauth2.Config
	client *http.Client
}

func newBaseProvider(name string, cfg ProviderConfig, fallback oauth2.Endpoint, scopes []string) baseProvider {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = fallback
	}
	if endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		// auto-detect would resend a rejected code with the other style
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}

	return baseProvider{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newRetryTransport(cfg.Transport),
		},
	}
}

func (p baseProvider) Name() string {
	return p.name
}

func (p baseProvider) RedirectURL() string {
	return p.oauth.RedirectURL
}

func (p baseProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p baseProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %v", ErrOAuthProviderError, err)
	}
	return token, nil
}

func (p baseProvider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p baseProvider) getJSON(ctx context.Context, token *oauth2.Token, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.oauth.Client(p.withClient(ctx), token).Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOAuthProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrOAuthProviderError, url, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProviderBody)).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrOAuthProviderError, url, err)
	}
	return nil
}

type Google struct {
	baseProvider
	userInfoURL string
}

func NewGoogle(cfg ProviderConfig) *Google {
	userInfo := googleUserInfoURL
	if cfg.APIBaseURL != "" {
		userInfo = strings.TrimRight(cfg.APIBaseURL, "/") + "/v1/userinfo"
	}
	return &Google{
		baseProvider: newBaseProvider(ProviderGoogle, cfg, endpoints.Google, []string{"openid", "email", "profile"}),
		userInfoURL:  userInfo,
	}
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (g *Google) Identity(ctx context.Context, token *oauth2.Token) (auth.OAuthIdentity, error) {
	var info googleUserInfo
	if err := g.getJSON(ctx, token, g.userInfoURL, &info); err != nil {
		return auth.OAuthIdentity{}, err
	}

	return newIdentity(ProviderGoogle, info.Sub, info.Email, info.EmailVerified, info.Name)
}

type GitHub struct {
	baseProvider
	apiBaseURL string
}

func NewGitHub(cfg ProviderConfig) *GitHub {
	base := githubAPIBaseURL
	if cfg.APIBaseURL != "" {
		base = strings.TrimRight(cfg.APIBaseURL, "/")
	}
	return &GitHub{
		baseProvider: newBaseProvider(ProviderGitHub, cfg, endpoints.GitHub, []string{"read:user", "user:email"}),
		apiBaseURL:   base,
	}
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Identity prefers the primary verified address from /user/emails and falls
// back to the public profile email, which GitHub does not mark verified.
func (g *GitHub) Identity(ctx context.Context, token *oauth2.Token) (auth.OAuthIdentity, error) {
	var user githubUser
	if err := g.getJSON(ctx, token, g.apiBaseURL+"/user", &user); err != nil {
		return auth.OAuthIdentity{}, err
	}

	var emails []githubEmail
	if err := g.getJSON(ctx, token, g.apiBaseURL+"/user/emails", &emails); err != nil {
		return auth.OAuthIdentity{}, err
	}

	email, verified := user.Email, false
	for _, candidate := range emails {
		if candidate.Primary && candidate.Email != "" {
			email, verified = candidate.Email, candidate.Verified
			break
		}
	}

	name := user.Name
	if strings.TrimSpace(name) == "" {
		name = user.Login
	}

	id := ""
	if user.ID > 0 {
		id = strconv.FormatInt(user.ID, 10)
	}

	return newIdentity(ProviderGitHub, id, email, verified, name)
}

func newIdentity(provider, subject, email string, verified bool, name string) (auth.OAuthIdentity, error) {
	subject = strings.TrimSpace(subject)
	email = strings.ToLower(strings.TrimSpace(email))

	if subject == "" {
		return auth.OAuthIdentity{}, fmt.Errorf("%w: %s returned no subject", ErrIdentityResolutionFailed, provider)
	}
	if email == "" || !strings.Contains(email, "@") {
		return auth.OAuthIdentity{}, fmt.Errorf("%w: %s returned no email", ErrIdentityResolutionFailed, provider)
	}

	return auth.OAuthIdentity{
		Provider:      provider,
		ProviderID:    subject,
		Email:         email,
		EmailVerified: verified,
		Name:          strings.TrimSpace(name),
	}, nil
}
