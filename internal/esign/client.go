package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultAuthServer    = "https://account-d.docusign.com"
	DefaultTokenLifetime = time.Hour

	jwtGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	oauthScopes  = "signature impersonation"
)

// Config holds the integration settings for the JWT grant and envelope API.
type Config struct {
	ClientID             string
	ImpersonatedUserID   string
	PrivateKey           []byte // PEM encoded RSA key
	AuthServer           string
	BasePath             string // overrides the REST base resolved from userinfo
	RedirectURI          string
	ReturnURL            string
	TokenLifetime        time.Duration
	ConsentRetryAttempts int
	ConsentRetryDelay    time.Duration
}

// Client is a thin REST client for the e-signature provider. It holds no
// tokens between calls.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ImpersonatedUserID == "" {
		return nil, fmt.Errorf("esign client id and impersonated user id are required")
	}
	if cfg.AuthServer == "" {
		cfg.AuthServer = DefaultAuthServer
	}
	cfg.AuthServer = strings.TrimRight(cfg.AuthServer, "/")
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.ConsentRetryAttempts < 0 {
		cfg.ConsentRetryAttempts = 0
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "esign").Logger(),
		now:        time.Now,
	}, nil
}

// LoadPrivateKey reads a PEM key from a file. A value that is not a readable
// path but holds a PEM block is used as the key itself.
func LoadPrivateKey(pathOrPEM string) ([]byte, error) {
	data, err := os.ReadFile(pathOrPEM)
	if err == nil {
		return data, nil
	}
	if strings.Contains(pathOrPEM, "-----BEGIN") {
		return []byte(strings.ReplaceAll(pathOrPEM, `\n`, "\n")), nil
	}
	return nil, fmt.Errorf("failed to read private key file %q: %w", pathOrPEM, err)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type userInfoAccount struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	IsDefault   bool   `json:"is_default"`
	BaseURI     string `json:"base_uri"`
}

type userInfoResponse struct {
	Sub      string            `json:"sub"`
	Accounts []userInfoAccount `json:"accounts"`
}

type envelopeDefinition struct {
	EmailSubject string             `json:"emailSubject"`
	Documents    []envelopeDocument `json:"documents"`
	Recipients   envelopeRecipients `json:"recipients"`
	Status       string             `json:"status"`
}

type envelopeDocument struct {
	DocumentBase64 string `json:"documentBase64"`
	Name           string `json:"name"`
	FileExtension  string `json:"fileExtension"`
	DocumentID     string `json:"documentId"`
}

type envelopeRecipients struct {
	Signers []envelopeSigner `json:"signers"`
}

type envelopeSigner struct {
	Email        string      `json:"email"`
	Name         string      `json:"name"`
	RecipientID  string      `json:"recipientId"`
	RoutingOrder string      `json:"routingOrder"`
	ClientUserID string      `json:"clientUserId,omitempty"`
	Tabs         *signerTabs `json:"tabs,omitempty"`
}

type signerTabs struct {
	SignHereTabs   []anchorTab `json:"signHereTabs,omitempty"`
	DateSignedTabs []anchorTab `json:"dateSignedTabs,omitempty"`
}

type anchorTab struct {
	AnchorString             string `json:"anchorString"`
	AnchorUnits              string `json:"anchorUnits"`
	AnchorXOffset            string `json:"anchorXOffset"`
	AnchorYOffset            string `json:"anchorYOffset"`
	AnchorIgnoreIfNotPresent string `json:"anchorIgnoreIfNotPresent"`
}

type envelopeSummary struct {
	EnvelopeID     string `json:"envelopeId"`
	Status         string `json:"status"`
	StatusDateTime string `json:"statusDateTime"`
	URI            string `json:"uri"`
}

type envelopeResponse struct {
	EnvelopeID        string `json:"envelopeId"`
	Status            string `json:"status"`
	CreatedDateTime   string `json:"createdDateTime"`
	SentDateTime      string `json:"sentDateTime"`
	CompletedDateTime string `json:"completedDateTime"`
}

type recipientViewRequest struct {
	AuthenticationMethod string `json:"authenticationMethod"`
	ClientUserID         string `json:"clientUserId"`
	ReturnURL            string `json:"returnUrl"`
	UserName             string `json:"userName"`
	Email                string `json:"email"`
}

type recipientViewResponse struct {
	URL string `json:"url"`
}

// errorResponse covers both the OAuth and REST error bodies.
type errorResponse struct {
	OAuthError       string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"errorCode"`
	Message          string `json:"message"`
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.ErrorCode = er.ErrorCode
			apiErr.Message = er.Message
			if er.OAuthError != "" {
				apiErr.ErrorCode = er.OAuthError
				apiErr.Message = er.ErrorDescription
			}
		}
		if apiErr.ErrorCode == "" && apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) accountURL(cred Credential, parts ...string) string {
	segments := append([]string{cred.BaseURI, "v2.1", "accounts", url.PathEscape(cred.AccountID)}, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) createEnvelope(ctx context.Context, cred Credential, def envelopeDefinition) (*envelopeSummary, error) {
	var summary envelopeSummary
	if err := c.doJSON(ctx, http.MethodPost, c.accountURL(cred, "envelopes"), cred.AccessToken, def, &summary); err != nil {
		return nil, err
	}
	if summary.EnvelopeID == "" {
		return nil, errors.New("provider returned no envelope id")
	}
	return &summary, nil
}

func (c *Client) getEnvelope(ctx context.Context, cred Credential, envelopeID string) (*envelopeResponse, error) {
	var env envelopeResponse
	endpoint := c.accountURL(cred, "envelopes", url.PathEscape(envelopeID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, cred.AccessToken, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) createRecipientView(ctx context.Context, cred Credential, envelopeID string, req recipientViewRequest) (string, error) {
	var view recipientViewResponse
	endpoint := c.accountURL(cred, "envelopes", url.PathEscape(envelopeID), "views", "recipient")
	if err := c.doJSON(ctx, http.MethodPost, endpoint, cred.AccessToken, req, &view); err != nil {
		return "", err
	}
	if view.URL == "" {
		return "", errors.New("provider returned no recipient view url")
	}
	return view.URL, nil
}
