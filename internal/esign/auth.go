package esign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a short-lived access token bound to one account.
type Credential struct {
	AccessToken string
	AccountID   string
	BaseURI     string // REST base, e.g. https://demo.docusign.net/restapi
	ExpiresAt   time.Time
}

// AuthResult is either Authenticated or ConsentRequired.
type AuthResult interface {
	isAuthResult()
}

type Authenticated struct {
	Credential Credential
}

// ConsentRequired means the impersonated user must visit URL once before
// tokens can be issued.
type ConsentRequired struct {
	URL string
}

func (Authenticated) isAuthResult()   {}
func (ConsentRequired) isAuthResult() {}

// ConsentResolver performs the out-of-band consent step, for example by
// showing the URL to an operator. Returning an error aborts authentication.
type ConsentResolver func(ctx context.Context, consentURL string) error

// ConsentURL builds the interactive consent link for the integration.
func (c *Client) ConsentURL() string {
	return fmt.Sprintf("%s/oauth/auth?response_type=code&scope=%s&client_id=%s&redirect_uri=%s",
		c.cfg.AuthServer,
		url.PathEscape(oauthScopes),
		url.QueryEscape(c.cfg.ClientID),
		url.QueryEscape(c.cfg.RedirectURI))
}

// Authenticate exchanges a freshly signed JWT assertion for an access token
// and resolves the account to act on. Missing consent is reported as a
// ConsentRequired result, every other failure as an *AuthenticationError.
func (c *Client) Authenticate(ctx context.Context) (AuthResult, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.cfg.PrivateKey)
	if err != nil {
		return nil, &AuthenticationError{Reason: "invalid private key", Err: err}
	}

	now := c.now()
	claims := jwt.MapClaims{
		"iss":   c.cfg.ClientID,
		"sub":   c.cfg.ImpersonatedUserID,
		"aud":   authAudience(c.cfg.AuthServer),
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(c.cfg.TokenLifetime)),
		"scope": oauthScopes,
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, &AuthenticationError{Reason: "failed to sign assertion", Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", jwtGrantType)
	form.Set("assertion", assertion)

	var token tokenResponse
	if err := c.postForm(ctx, c.cfg.AuthServer+"/oauth/token", form, &token); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == "consent_required" {
			c.logger.Warn().Msg("consent required for impersonated user")
			return ConsentRequired{URL: c.ConsentURL()}, nil
		}
		return nil, &AuthenticationError{Reason: "token request rejected", Err: err}
	}
	if token.AccessToken == "" {
		return nil, &AuthenticationError{Reason: "token response had no access token"}
	}

	account, err := c.resolveAccount(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	baseURI := c.cfg.BasePath
	if baseURI == "" {
		baseURI = strings.TrimRight(account.BaseURI, "/") + "/restapi"
	}
	expiresIn := time.Duration(token.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = c.cfg.TokenLifetime
	}

	c.logger.Debug().Str("account_id", account.AccountID).Str("base_uri", baseURI).Msg("authenticated")
	return Authenticated{Credential: Credential{
		AccessToken: token.AccessToken,
		AccountID:   account.AccountID,
		BaseURI:     baseURI,
		ExpiresAt:   now.Add(expiresIn),
	}}, nil
}

func (c *Client) resolveAccount(ctx context.Context, accessToken string) (*userInfoAccount, error) {
	var info userInfoResponse
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.AuthServer+"/oauth/userinfo", accessToken, nil, &info); err != nil {
		return nil, &AuthenticationError{Reason: "userinfo request failed", Err: err}
	}
	if len(info.Accounts) == 0 {
		return nil, &AuthenticationError{Reason: "no account available for user"}
	}
	for i := range info.Accounts {
		if info.Accounts[i].IsDefault {
			return &info.Accounts[i], nil
		}
	}
	return &info.Accounts[0], nil
}

// AuthenticateWithConsent retries Authenticate while consent is missing.
// After each ConsentRequired result it calls resolve, waits the configured
// delay and tries again, at most ConsentRetryAttempts times. Consent still
// missing after that is returned as an error matching ErrConsentRequired.
func (c *Client) AuthenticateWithConsent(ctx context.Context, resolve ConsentResolver) (Credential, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.Authenticate(ctx)
		if err != nil {
			return Credential{}, err
		}

		switch r := res.(type) {
		case Authenticated:
			return r.Credential, nil
		case ConsentRequired:
			if attempt >= c.cfg.ConsentRetryAttempts {
				return Credential{}, &AuthenticationError{Reason: "consent not granted", ConsentURL: r.URL}
			}
			c.logger.Warn().Str("consent_url", r.URL).Int("attempt", attempt+1).Msg("waiting for consent before retrying authentication")
			if resolve != nil {
				if err := resolve(ctx, r.URL); err != nil {
					return Credential{}, &AuthenticationError{Reason: "consent step failed", ConsentURL: r.URL, Err: err}
				}
			}
			if err := sleep(ctx, c.cfg.ConsentRetryDelay); err != nil {
				return Credential{}, &AuthenticationError{Reason: "consent wait cancelled", ConsentURL: r.URL, Err: err}
			}
		default:
			return Credential{}, &AuthenticationError{Reason: fmt.Sprintf("unexpected auth result %T", res)}
		}
	}
}

func authAudience(authServer string) string {
	if u, err := url.Parse(authServer); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(strings.TrimPrefix(authServer, "https://"), "http://")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
