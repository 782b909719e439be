package esign

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Dispatch states logged while an envelope is sent. Signed, declined and
// voided are reached on the provider side and observed through PollStatus.
const (
	StateNotSent         = "NOT_SENT"
	StateAuthenticating  = "AUTHENTICATING"
	StateEnvelopeCreated = "ENVELOPE_CREATED"
	StateSent            = "SENT"
)

type Signer struct {
	Email string
	Name  string
	// ClientUserID marks the signer as embedded; leave empty for email signing.
	ClientUserID string
}

type SendRequest struct {
	PDF          []byte
	DocumentName string
	Subject      string
	Signer       Signer
	SignAnchor   string
	DateAnchor   string
}

type SendResult struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
}

// EnvelopeStatus is a read-through view of a provider envelope. Failures are
// reported in Error rather than as a Go error; NotFound marks unknown ids.
type EnvelopeStatus struct {
	EnvelopeID  string `json:"envelope_id"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	SentAt      string `json:"sent_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
	NotFound    bool   `json:"not_found,omitempty"`
}

type ViewRequest struct {
	ReturnURL    string
	UserName     string
	Email        string
	ClientUserID string
}

// Dispatcher sends documents for signature. It authenticates on every call.
type Dispatcher struct {
	client   *Client
	resolver ConsentResolver
	logger   zerolog.Logger
}

func NewDispatcher(client *Client, resolver ConsentResolver, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		resolver: resolver,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) ConsentURL() string {
	return d.client.ConsentURL()
}

// Authenticate runs one authentication round without consent retries.
func (d *Dispatcher) Authenticate(ctx context.Context) (AuthResult, error) {
	return d.client.Authenticate(ctx)
}

// Send builds a single-document, single-signer envelope and sends it
// immediately. Authentication failures are returned as *AuthenticationError,
// envelope failures as *DispatchError. Nothing is retried except consent.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	log := d.logger.With().Str("signer", req.Signer.Email).Logger()
	log.Info().Str("state", StateNotSent).Msg("preparing envelope")

	if len(req.PDF) == 0 {
		return SendResult{}, &DispatchError{Op: "create", Err: errors.New("document is empty")}
	}
	if strings.TrimSpace(req.Signer.Email) == "" || strings.TrimSpace(req.Signer.Name) == "" {
		return SendResult{}, &DispatchError{Op: "create", Err: errors.New("signer email and name are required")}
	}

	log.Info().Str("state", StateAuthenticating).Msg("authenticating")
	cred, err := d.client.AuthenticateWithConsent(ctx, d.resolver)
	if err != nil {
		log.Error().Err(err).Str("state", StateNotSent).Msg("authentication failed")
		return SendResult{}, err
	}

	summary, err := d.client.createEnvelope(ctx, cred, buildEnvelope(req))
	if err != nil {
		log.Error().Err(err).Str("state", StateNotSent).Msg("envelope creation failed")
		return SendResult{}, &DispatchError{Op: "create", Err: err}
	}
	log.Info().Str("state", StateEnvelopeCreated).Str("envelope_id", summary.EnvelopeID).Msg("envelope created")

	if !strings.EqualFold(summary.Status, "sent") {
		log.Warn().Str("envelope_id", summary.EnvelopeID).Str("status", summary.Status).Msg("envelope created but not reported as sent")
	} else {
		log.Info().Str("state", StateSent).Str("envelope_id", summary.EnvelopeID).Msg("envelope sent")
	}
	return SendResult{EnvelopeID: summary.EnvelopeID, Status: summary.Status}, nil
}

func buildEnvelope(req SendRequest) envelopeDefinition {
	name := req.DocumentName
	if name == "" {
		name = "Document.pdf"
	}
	signer := envelopeSigner{
		Email:        req.Signer.Email,
		Name:         req.Signer.Name,
		RecipientID:  "1",
		RoutingOrder: "1",
		ClientUserID: req.Signer.ClientUserID,
	}
	if req.SignAnchor != "" || req.DateAnchor != "" {
		tabs := &signerTabs{}
		if req.SignAnchor != "" {
			tabs.SignHereTabs = []anchorTab{newAnchorTab(req.SignAnchor)}
		}
		if req.DateAnchor != "" {
			tabs.DateSignedTabs = []anchorTab{newAnchorTab(req.DateAnchor)}
		}
		signer.Tabs = tabs
	}

	return envelopeDefinition{
		EmailSubject: req.Subject,
		Documents: []envelopeDocument{{
			DocumentBase64: base64.StdEncoding.EncodeToString(req.PDF),
			Name:           name,
			FileExtension:  "pdf",
			DocumentID:     "1",
		}},
		Recipients: envelopeRecipients{Signers: []envelopeSigner{signer}},
		Status:     "sent",
	}
}

func newAnchorTab(anchor string) anchorTab {
	return anchorTab{
		AnchorString:             anchor,
		AnchorUnits:              "pixels",
		AnchorXOffset:            "0",
		AnchorYOffset:            "-4",
		AnchorIgnoreIfNotPresent: "true",
	}
}

// PollStatus fetches the envelope's current state.
func (d *Dispatcher) PollStatus(ctx context.Context, envelopeID string) EnvelopeStatus {
	status := EnvelopeStatus{EnvelopeID: envelopeID}
	if strings.TrimSpace(envelopeID) == "" {
		status.Error = "envelope id is empty"
		status.NotFound = true
		return status
	}

	cred, err := d.credential(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	env, err := d.client.getEnvelope(ctx, cred, envelopeID)
	if err != nil {
		status.Error = err.Error()
		status.NotFound = isNotFound(err)
		d.logger.Warn().Err(err).Str("envelope_id", envelopeID).Bool("not_found", status.NotFound).Msg("envelope status lookup failed")
		return status
	}

	status.Status = env.Status
	status.CreatedAt = env.CreatedDateTime
	status.SentAt = env.SentDateTime
	status.CompletedAt = env.CompletedDateTime
	return status
}

// RecipientView returns a one-time URL for embedded signing. The signer must
// have been added with the same ClientUserID.
func (d *Dispatcher) RecipientView(ctx context.Context, envelopeID string, req ViewRequest) (string, error) {
	if req.ClientUserID == "" {
		return "", &DispatchError{Op: "recipient view", Err: errors.New("client user id is required for embedded signing")}
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = d.client.cfg.ReturnURL
	}

	cred, err := d.client.AuthenticateWithConsent(ctx, d.resolver)
	if err != nil {
		return "", err
	}
	viewURL, err := d.client.createRecipientView(ctx, cred, envelopeID, recipientViewRequest{
		AuthenticationMethod: "none",
		ClientUserID:         req.ClientUserID,
		ReturnURL:            returnURL,
		UserName:             req.UserName,
		Email:                req.Email,
	})
	if err != nil {
		return "", &DispatchError{Op: "recipient view", Err: err}
	}
	return viewURL, nil
}

// credential authenticates once. Status reads never wait for consent.
func (d *Dispatcher) credential(ctx context.Context) (Credential, error) {
	res, err := d.client.Authenticate(ctx)
	if err != nil {
		return Credential{}, err
	}
	switch r := res.(type) {
	case Authenticated:
		return r.Credential, nil
	case ConsentRequired:
		return Credential{}, &AuthenticationError{Reason: "consent not granted", ConsentURL: r.URL}
	default:
		return Credential{}, fmt.Errorf("unexpected auth result %T", res)
	}
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	switch apiErr.ErrorCode {
	case "ENVELOPE_DOES_NOT_EXIST", "INVALID_ENVELOPE_ID":
		return true
	}
	return false
}
