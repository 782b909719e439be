package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"medidocs.io/docflow/internal/esign"
	"medidocs.io/docflow/internal/pdf"
	"medidocs.io/docflow/internal/store"
)

const (
	DefaultSearchLimit = 5
	MaxSearchLimit     = 50

	syncConcurrency = 4
	maxIDAttempts   = 3
)

// Renderer turns a title and formatted content into PDF bytes. It never fails.
type Renderer interface {
	Render(title, content string) []byte
}

// Dispatcher is the e-signature side of the pipeline.
type Dispatcher interface {
	Send(ctx context.Context, req esign.SendRequest) (esign.SendResult, error)
	PollStatus(ctx context.Context, envelopeID string) esign.EnvelopeStatus
	RecipientView(ctx context.Context, envelopeID string, req esign.ViewRequest) (string, error)
}

// Archiver keeps a copy of every rendered PDF. Failures are logged only.
type Archiver interface {
	Save(ctx context.Context, documentID string, pdf []byte) error
}

type PipelineOptions struct {
	// DefaultSigner fills in whatever a request leaves empty.
	DefaultSigner esign.Signer
	ReturnURL     string
	Archiver      Archiver
	Now           func() time.Time
}

type Request struct {
	PatientData PatientData
	DocType     string
	Signer      esign.Signer
	Embedded    bool
	ReturnURL   string
}

// Result is the only thing a pipeline call hands back to its caller.
type Result struct {
	Success     bool      `json:"success"`
	DocID       string    `json:"doc_id,omitempty"`
	EnvelopeID  string    `json:"envelope_id,omitempty"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	ConsentURL  string    `json:"consent_url,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	PDF         []byte    `json:"-"`
}

type SyncResult struct {
	Success         bool                  `json:"success"`
	DocID           string                `json:"doc_id"`
	EnvelopeID      string                `json:"envelope_id,omitempty"`
	EnvelopeStatus  string                `json:"envelope_status,omitempty"`
	Status          store.DocumentStatus  `json:"status,omitempty"`
	SignatureStatus store.SignatureStatus `json:"signature_status,omitempty"`
	Updated         bool                  `json:"updated"`
	Warning         string                `json:"warning,omitempty"`
	Error           string                `json:"error,omitempty"`
	ErrorKind       ErrorKind             `json:"error_kind,omitempty"`
}

// Pipeline runs generate → format → persist → render → sign → update-status.
// All collaborators are injected and owned by the caller.
type Pipeline struct {
	generator  TextGenerator
	docs       *DocumentStore
	renderer   Renderer
	dispatcher Dispatcher
	archiver   Archiver
	signer     esign.Signer
	returnURL  string
	now        func() time.Time
	suffix     func() string
	logger     zerolog.Logger
}

func NewPipeline(generator TextGenerator, docs *DocumentStore, renderer Renderer, dispatcher Dispatcher, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		generator:  generator,
		docs:       docs,
		renderer:   renderer,
		dispatcher: dispatcher,
		archiver:   opts.Archiver,
		signer:     opts.DefaultSigner,
		returnURL:  opts.ReturnURL,
		now:        now,
		suffix:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

func failure(kind ErrorKind, err error) Result {
	return Result{Error: err.Error(), ErrorKind: kind}
}

type draft struct {
	docID   string
	docType string
	title   string
	content string
	pdf     []byte
	warning string
}

// Generate stores and renders a new document without sending it.
func (p *Pipeline) Generate(ctx context.Context, req Request) Result {
	d, res := p.prepare(ctx, req)
	if d == nil {
		return res
	}
	return Result{Success: true, DocID: d.docID, Warning: d.warning, PDF: d.pdf}
}

// GenerateAndSign runs the whole pipeline. A dispatch failure still reports
// the stored document's id; its status stays generated.
func (p *Pipeline) GenerateAndSign(ctx context.Context, req Request) Result {
	signer, err := p.resolveSigner(req.Signer)
	if err != nil {
		return failure(KindInvalidRequest, err)
	}

	d, res := p.prepare(ctx, req)
	if d == nil {
		return res
	}

	res = p.dispatch(ctx, d, signer, req.Embedded, req.ReturnURL)
	res.Warning = joinWarnings(d.warning, res.Warning)
	return res
}

// SignDocument sends an already stored document for signature.
func (p *Pipeline) SignDocument(ctx context.Context, docID string, req Request) Result {
	signer, err := p.resolveSigner(req.Signer)
	if err != nil {
		return failure(KindInvalidRequest, err)
	}

	doc := p.docs.RetrieveByID(ctx, docID)
	if doc == nil {
		return Result{DocID: docID, Error: fmt.Sprintf("%v: %s", ErrNotFound, docID), ErrorKind: KindNotFound}
	}
	if doc.Status == store.StatusSigned {
		return Result{DocID: docID, Error: "document is already signed", ErrorKind: KindInvalidRequest}
	}

	d := &draft{docID: doc.DocumentID, docType: doc.DocType, title: recordTitle(doc), content: doc.Content}
	d.pdf = p.renderer.Render(d.title, d.content)
	return p.dispatch(ctx, d, signer, req.Embedded, req.ReturnURL)
}

func (p *Pipeline) prepare(ctx context.Context, req Request) (*draft, Result) {
	if len(req.PatientData) == 0 {
		return nil, failure(KindInvalidRequest, fmt.Errorf("%w: patient_data is required", ErrInvalidRequest))
	}
	docType := strings.TrimSpace(req.DocType)
	if docType == "" {
		docType = DefaultDocType
	}
	log := p.logger.With().Str("doc_type", docType).Str("patient_id", req.PatientData.ID()).Logger()

	gen := p.generator.Generate(ctx, BuildPrompt(docType, req.PatientData))
	if !gen.Success {
		log.Error().Str("error", gen.Error).Msg("generation failed")
		return nil, failure(KindGeneration, fmt.Errorf("%w: %s", ErrGeneration, gen.Error))
	}
	if gen.Warning != "" {
		log.Warn().Str("warning", gen.Warning).Msg("generation degraded")
	}
	content := Format(gen)

	createdAt := p.now()
	docID, err := p.assignID(ctx, createdAt)
	if err != nil {
		log.Error().Err(err).Msg("could not assign document id")
		return nil, failure(KindStorage, err)
	}
	log = log.With().Str("doc_id", docID).Logger()

	if !p.docs.Store(ctx, NewDocument{
		DocumentID: docID,
		PatientID:  req.PatientData.ID(),
		DocType:    docType,
		Content:    content,
		Status:     store.StatusGenerated,
		Timestamp:  createdAt,
	}) {
		log.Error().Msg("storage failed; stopping before render")
		return nil, failure(KindStorage, ErrStorage)
	}

	title := DocumentTitle(docType, req.PatientData)
	rendered := p.renderer.Render(title, content)
	p.archive(ctx, docID, rendered)

	log.Info().Int("pdf_bytes", len(rendered)).Msg("document generated")
	return &draft{
		docID:   docID,
		docType: docType,
		title:   title,
		content: content,
		pdf:     rendered,
		warning: gen.Warning,
	}, Result{}
}

// assignID derives the id from the clock and adds a short random suffix
// when the plain id is already taken.
func (p *Pipeline) assignID(ctx context.Context, at time.Time) (string, error) {
	base := "DOC_" + at.UTC().Format("20060102150405")
	if !p.docs.Exists(ctx, base) {
		return base, nil
	}
	for i := 0; i < maxIDAttempts; i++ {
		id := base + "_" + p.suffix()
		if !p.docs.Exists(ctx, id) {
			p.logger.Warn().Str("base_id", base).Str("doc_id", id).Msg("document id taken; using suffixed id")
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free document id for %s", ErrStorage, base)
}

func (p *Pipeline) archive(ctx context.Context, docID string, data []byte) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.Save(ctx, docID, data); err != nil {
		p.logger.Warn().Err(err).Str("doc_id", docID).Msg("failed to archive pdf")
	}
}

func (p *Pipeline) resolveSigner(s esign.Signer) (esign.Signer, error) {
	if strings.TrimSpace(s.Email) == "" {
		s.Email = p.signer.Email
	}
	if strings.TrimSpace(s.Name) == "" {
		s.Name = p.signer.Name
	}
	if s.Email == "" || s.Name == "" {
		return s, fmt.Errorf("%w: signer email and name are required", ErrInvalidRequest)
	}
	return s, nil
}

func (p *Pipeline) dispatch(ctx context.Context, d *draft, signer esign.Signer, embedded bool, returnURL string) Result {
	log := p.logger.With().Str("doc_id", d.docID).Logger()
	if embedded {
		signer.ClientUserID = d.docID
	}

	sent, err := p.dispatcher.Send(ctx, esign.SendRequest{
		PDF:          d.pdf,
		DocumentName: DocumentFileName(d.docType),
		Subject:      EmailSubject(d.docType),
		Signer:       signer,
		SignAnchor:   pdf.SignatureAnchor,
		DateAnchor:   pdf.DateAnchor,
	})
	if err != nil {
		log.Error().Err(err).Msg("dispatch failed; document left as generated")
		res := failure(dispatchKind(err), err)
		res.DocID = d.docID
		var authErr *esign.AuthenticationError
		if errors.As(err, &authErr) {
			res.ConsentURL = authErr.ConsentURL
		}
		return res
	}

	res := Result{Success: true, DocID: d.docID, EnvelopeID: sent.EnvelopeID, PDF: d.pdf}
	envelopeID := sent.EnvelopeID
	sentForSigning := store.StatusSentForSigning
	pending := store.SignaturePending
	if !p.docs.UpdateStatus(ctx, d.docID, store.StatusUpdate{
		Status:          &sentForSigning,
		EnvelopeID:      &envelopeID,
		SignatureStatus: &pending,
	}) {
		res.Warning = "envelope sent but document status was not updated"
	}

	if embedded {
		if returnURL == "" {
			returnURL = p.returnURL
		}
		viewURL, err := p.dispatcher.RecipientView(ctx, envelopeID, esign.ViewRequest{
			ReturnURL:    returnURL,
			UserName:     signer.Name,
			Email:        signer.Email,
			ClientUserID: signer.ClientUserID,
		})
		if err != nil {
			log.Warn().Err(err).Str("envelope_id", envelopeID).Msg("recipient view unavailable")
			res.Warning = joinWarnings(res.Warning, "embedded signing view unavailable: "+err.Error())
		} else {
			res.RedirectURL = viewURL
		}
	}

	log.Info().Str("envelope_id", envelopeID).Bool("embedded", embedded).Msg("document sent for signing")
	return res
}

func dispatchKind(err error) ErrorKind {
	var authErr *esign.AuthenticationError
	switch {
	case errors.Is(err, esign.ErrConsentRequired):
		return KindConsentRequired
	case errors.As(err, &authErr):
		return KindAuthentication
	default:
		return KindDispatch
	}
}

// SyncSignatureStatus polls the document's envelope and records the result.
func (p *Pipeline) SyncSignatureStatus(ctx context.Context, docID string) SyncResult {
	res := SyncResult{DocID: docID}
	doc := p.docs.RetrieveByID(ctx, docID)
	if doc == nil {
		res.Error = fmt.Sprintf("%v: %s", ErrNotFound, docID)
		res.ErrorKind = KindNotFound
		return res
	}
	res.Status = doc.Status
	res.SignatureStatus = doc.SignatureStatus
	if doc.EnvelopeID == nil || *doc.EnvelopeID == "" {
		res.Error = "document has not been sent for signing"
		res.ErrorKind = KindInvalidRequest
		return res
	}
	res.EnvelopeID = *doc.EnvelopeID
	log := p.logger.With().Str("doc_id", docID).Str("envelope_id", res.EnvelopeID).Logger()

	env := p.dispatcher.PollStatus(ctx, res.EnvelopeID)
	res.EnvelopeStatus = env.Status

	var update store.StatusUpdate
	switch {
	case env.NotFound:
		errStatus := store.StatusError
		update.Status = &errStatus
		res.Warning = "envelope not found at provider"
	case env.Error != "":
		log.Warn().Str("error", env.Error).Msg("envelope status unavailable")
		res.Error = env.Error
		res.ErrorKind = KindDispatch
		return res
	default:
		update = envelopeUpdate(env.Status)
	}

	if !changes(doc, update) {
		res.Success = true
		return res
	}
	if !p.docs.UpdateStatus(ctx, docID, update) {
		res.Error = ErrStorage.Error()
		res.ErrorKind = KindStorage
		return res
	}
	if update.Status != nil {
		res.Status = *update.Status
	}
	if update.SignatureStatus != nil {
		res.SignatureStatus = *update.SignatureStatus
	}
	res.Success = true
	res.Updated = true
	log.Info().Str("envelope_status", env.Status).Str("status", string(res.Status)).Msg("signature status synced")
	return res
}

// envelopeUpdate maps a provider envelope status onto the document.
func envelopeUpdate(envelopeStatus string) store.StatusUpdate {
	var (
		status    store.DocumentStatus
		signature store.SignatureStatus
	)
	switch strings.ToLower(envelopeStatus) {
	case "completed":
		status, signature = store.StatusSigned, store.SignatureCompleted
	case "declined":
		status, signature = store.StatusSentForSigning, store.SignatureDeclined
	case "voided":
		status, signature = store.StatusSentForSigning, store.SignatureVoided
	default:
		signature = store.SignaturePending
	}
	update := store.StatusUpdate{SignatureStatus: &signature}
	if status != "" {
		update.Status = &status
	}
	return update
}

func changes(doc *store.Document, update store.StatusUpdate) bool {
	if update.Status != nil && *update.Status != doc.Status {
		return true
	}
	return update.SignatureStatus != nil && *update.SignatureStatus != doc.SignatureStatus
}

// SyncPending syncs every document that is waiting for a signature.
func (p *Pipeline) SyncPending(ctx context.Context) []SyncResult {
	docs := p.docs.ListByStatus(ctx, store.StatusSentForSigning)
	results := make([]SyncResult, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for i := range docs {
		g.Go(func() error {
			results[i] = p.SyncSignatureStatus(gctx, docs[i].DocumentID)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info().Int("documents", len(docs)).Msg("pending signatures synced")
	return results
}

func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}
	if k > MaxSearchLimit {
		k = MaxSearchLimit
	}
	return p.docs.RetrieveBySimilarity(ctx, query, k), nil
}

func (p *Pipeline) Document(ctx context.Context, docID string) (*store.Document, error) {
	doc := p.docs.RetrieveByID(ctx, docID)
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return doc, nil
}

// RenderDocument re-renders a stored document.
func (p *Pipeline) RenderDocument(ctx context.Context, docID string) ([]byte, error) {
	doc, err := p.Document(ctx, docID)
	if err != nil {
		return nil, err
	}
	return p.renderer.Render(recordTitle(doc), doc.Content), nil
}

func (p *Pipeline) EnvelopeStatus(ctx context.Context, envelopeID string) esign.EnvelopeStatus {
	return p.dispatcher.PollStatus(ctx, envelopeID)
}

// RecipientView creates an embedded signing URL for an envelope the pipeline
// sent. Missing signer fields are taken from the stored document and the
// default signer.
func (p *Pipeline) RecipientView(ctx context.Context, envelopeID string, req esign.ViewRequest) Result {
	res := Result{EnvelopeID: envelopeID}
	if req.ClientUserID == "" {
		doc := p.docs.RetrieveByEnvelopeID(ctx, envelopeID)
		if doc == nil {
			res.Error = fmt.Sprintf("%v: no document for envelope %s", ErrNotFound, envelopeID)
			res.ErrorKind = KindNotFound
			return res
		}
		req.ClientUserID = doc.DocumentID
		res.DocID = doc.DocumentID
	}
	if req.UserName == "" {
		req.UserName = p.signer.Name
	}
	if req.Email == "" {
		req.Email = p.signer.Email
	}
	if req.ReturnURL == "" {
		req.ReturnURL = p.returnURL
	}

	viewURL, err := p.dispatcher.RecipientView(ctx, envelopeID, req)
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = dispatchKind(err)
		return res
	}
	res.Success = true
	res.RedirectURL = viewURL
	return res
}

// Delete removes a document. Only operators call it; the pipeline never does.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	if !p.docs.Delete(ctx, docID) {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return nil
}

// recordTitle is the title used when only the stored record is available.
func recordTitle(doc *store.Document) string {
	return TitleCase(doc.DocType) + " - " + doc.PatientID
}

func joinWarnings(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
