package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"mailbridge/internal/circuitbreaker"
	"mailbridge/internal/common/errors"
	httpclient "mailbridge/internal/common/http"
	"mailbridge/internal/common/logging"
)

const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleRevokeURL   = "https://oauth2.googleapis.com/revoke"
	googleUserinfoURL = "https://www.googleapis.com/"
)

// TokenSet is a decrypted credential pair with its provider-reported expiry.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Identity is the provider account behind a credential.
type Identity struct {
	ID      string
	Email   string
	Name    string
	Picture string
}

// ProtocolClient talks the authorization-code flow with a provider.
type ProtocolClient interface {
	// AuthorizationURL builds the consent-screen URL for the given state.
	// An empty redirectURI falls back to the configured callback.
	AuthorizationURL(state, redirectURI string, scopes []string) string
	// ExchangeCode trades an authorization code for an initial token set.
	// The redirectURI must match the one the consent screen was opened
	// with; empty again means the configured callback.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)
	// Refresh trades a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	// FetchIdentity resolves the account behind an access token.
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
	// Revoke invalidates a token at the provider. Best effort: failures are
	// logged and reported as false, never as an error.
	Revoke(ctx context.Context, token string) bool
}

// GoogleClient implements ProtocolClient against Google's OAuth 2.0 endpoints.
type GoogleClient struct {
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
	breaker      *circuitbreaker.Breaker
	logger       logging.Logger

	// Endpoint overrides for tests.
	authURL      string
	tokenURL     string
	revokeURL    string
	userinfoBase string
}

// GoogleConfig holds the provider application credentials.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGoogleClient creates a Google protocol client. Outbound calls share one
// pooled HTTP client and go through a circuit breaker so a degraded provider
// fails fast instead of tying up every caller.
func NewGoogleClient(config GoogleConfig, logger logging.Logger) *GoogleClient {
	return &GoogleClient{
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		redirectURL:  config.RedirectURL,
		httpClient:   httpclient.NewDefaultClient(),
		breaker:      circuitbreaker.New("google-oauth", circuitbreaker.ProviderConfig, logger),
		logger:       logger,
		authURL:      googleAuthURL,
		tokenURL:     googleTokenURL,
		revokeURL:    googleRevokeURL,
		userinfoBase: googleUserinfoURL,
	}
}

// AuthorizationURL builds the consent URL. Offline access and a forced
// consent prompt are always requested: without them Google only issues a
// refresh token on the very first grant, and a re-link of a previously
// connected mailbox would come back refresh-token-less.
func (c *GoogleClient) AuthorizationURL(state, redirectURI string, scopes []string) string {
	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.resolveRedirect(redirectURI),
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authURL,
			TokenURL: c.tokenURL,
		},
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// resolveRedirect picks the caller-bound redirect when one was stored with
// the authorization state, else the configured callback.
func (c *GoogleClient) resolveRedirect(redirectURI string) string {
	if redirectURI != "" {
		return redirectURI
	}
	return c.redirectURL
}

// tokenResponse is the provider token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// ExchangeCode trades an authorization code for the initial token set.
func (c *GoogleClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"redirect_uri":  {c.resolveRedirect(redirectURI)},
	}

	set, err := c.postToken(ctx, form)
	if err != nil {
		if appErr := errors.AsAppError(err); appErr != nil && appErr.Code != errors.CodeInternal {
			return nil, err
		}
		return nil, errors.TokenExchangeFailed(err)
	}
	return set, nil
}

// Refresh trades a refresh token for a fresh access token. Google usually
// omits refresh_token from the response; in that case the input token is
// carried over so callers always get a complete set back.
func (c *GoogleClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	set, err := c.postToken(ctx, form)
	if err != nil {
		if appErr := errors.AsAppError(err); appErr != nil && appErr.Code != errors.CodeInternal {
			return nil, err
		}
		return nil, errors.TokenRefreshFailed(err)
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

// postToken performs the token endpoint call through the circuit breaker and
// computes the expiry against the local clock at response time.
func (c *GoogleClient) postToken(ctx context.Context, form url.Values) (*TokenSet, error) {
	var set *TokenSet

	err := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.QuotaExceeded()
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return fmt.Errorf("token endpoint returned %d with unparseable body", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK || tr.Error != "" {
			return fmt.Errorf("token endpoint returned %d: %s %s", resp.StatusCode, tr.Error, tr.ErrorDesc)
		}
		if tr.AccessToken == "" {
			return fmt.Errorf("token endpoint returned no access token")
		}

		set = &TokenSet{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
			Scope:        tr.Scope,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// FetchIdentity resolves the account behind an access token via the userinfo
// endpoint. An identity without an email is unusable for mailbox linking and
// is reported as a fetch failure.
func (c *GoogleClient) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	authedClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), source)

	var identity *Identity
	err := c.breaker.Execute(ctx, func() error {
		svc, err := goauth2.NewService(ctx,
			option.WithHTTPClient(authedClient),
			option.WithEndpoint(c.userinfoBase),
		)
		if err != nil {
			return err
		}

		info, err := svc.Userinfo.Get().Context(ctx).Do()
		if err != nil {
			return err
		}
		if info.Email == "" {
			return fmt.Errorf("userinfo response has no email")
		}

		identity = &Identity{
			ID:      info.Id,
			Email:   info.Email,
			Name:    info.Name,
			Picture: info.Picture,
		}
		return nil
	})
	if err != nil {
		if appErr := errors.AsAppError(err); appErr != nil && appErr.Code == errors.CodeProviderUnavailable {
			return nil, err
		}
		return nil, errors.IdentityFetchFailed(err)
	}
	return identity, nil
}

// Revoke invalidates a token at the provider. Revocation is best effort: a
// deleted connection must not be resurrected because Google was briefly
// unreachable, so failures are logged and swallowed.
func (c *GoogleClient) Revoke(ctx context.Context, token string) bool {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Warn("failed to build revoke request", logging.Err(err))
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token revocation failed", logging.Err(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("token revocation rejected",
			logging.Int("status", resp.StatusCode))
		return false
	}
	return true
}
