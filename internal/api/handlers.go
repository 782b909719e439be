package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"medidocs.io/docflow/internal/auth"
	"medidocs.io/docflow/internal/core"
	"medidocs.io/docflow/internal/esign"
	"medidocs.io/docflow/internal/store"
)

// Pipeline is the part of *core.Pipeline the HTTP surface needs.
type Pipeline interface {
	Generate(ctx context.Context, req core.Request) core.Result
	GenerateAndSign(ctx context.Context, req core.Request) core.Result
	SignDocument(ctx context.Context, docID string, req core.Request) core.Result
	SyncSignatureStatus(ctx context.Context, docID string) core.SyncResult
	Search(ctx context.Context, query string, k int) ([]core.ScoredDocument, error)
	Document(ctx context.Context, docID string) (*store.Document, error)
	RenderDocument(ctx context.Context, docID string) ([]byte, error)
	EnvelopeStatus(ctx context.Context, envelopeID string) esign.EnvelopeStatus
	RecipientView(ctx context.Context, envelopeID string, req esign.ViewRequest) core.Result
}

const maxFormMemory = 10 << 20

type APIHandler struct {
	pipeline  Pipeline
	jwtSecret []byte
	logger    zerolog.Logger
}

// NewAPIHandler wires the handlers. An empty jwtSecret disables token checks.
func NewAPIHandler(pipeline Pipeline, jwtSecret string, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		pipeline:  pipeline,
		jwtSecret: []byte(jwtSecret),
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := auth.ValidateToken(h.jwtSecret, tokenString)
		if err != nil {
			h.logger.Debug().Err(err).Msg("rejected api token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		setSubject(r.Context(), subject)
		next.ServeHTTP(w, r)
	})
}

// DocumentRequest is accepted as JSON or as form fields. In a form,
// patient_data may be a JSON object; otherwise every unreserved field is
// taken as patient data.
type DocumentRequest struct {
	PatientData core.PatientData `json:"patient_data"`
	DocType     string           `json:"doc_type"`
	SignerEmail string           `json:"signer_email"`
	SignerName  string           `json:"signer_name"`
	Embedded    bool             `json:"embedded"`
	ReturnURL   string           `json:"return_url"`
}

func (d DocumentRequest) toCore() core.Request {
	return core.Request{
		PatientData: d.PatientData,
		DocType:     d.DocType,
		Signer:      esign.Signer{Email: d.SignerEmail, Name: d.SignerName},
		Embedded:    d.Embedded,
		ReturnURL:   d.ReturnURL,
	}
}

var reservedFormFields = map[string]bool{
	"patient_data": true,
	"doc_type":     true,
	"role":         true,
	"signer_email": true,
	"signer_name":  true,
	"embedded":     true,
	"return_url":   true,
}

func decodeDocumentRequest(r *http.Request) (DocumentRequest, error) {
	var req DocumentRequest
	contentType := r.Header.Get("Content-Type")

	if contentType == "" || strings.HasPrefix(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, fmt.Errorf("invalid request body: %w", err)
		}
		return req, nil
	}

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return req, fmt.Errorf("invalid form body: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("invalid form body: %w", err)
	}
	form := r.PostForm
	req.DocType = form.Get("doc_type")
	if req.DocType == "" {
		req.DocType = form.Get("role")
	}
	req.SignerEmail = form.Get("signer_email")
	req.SignerName = form.Get("signer_name")
	req.ReturnURL = form.Get("return_url")
	if v := form.Get("embedded"); v != "" {
		embedded, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid embedded flag %q", v)
		}
		req.Embedded = embedded
	}

	if raw := form.Get("patient_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.PatientData); err != nil {
			return req, fmt.Errorf("patient_data must be a JSON object: %w", err)
		}
		return req, nil
	}
	for key, values := range form {
		if reservedFormFields[key] || len(values) == 0 {
			continue
		}
		if req.PatientData == nil {
			req.PatientData = core.PatientData{}
		}
		req.PatientData[key] = values[0]
	}
	return req, nil
}

func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindInvalidRequest, core.KindConsentRequired:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error"`
	ErrorKind core.ErrorKind `json:"error_kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, kind core.ErrorKind, err error) {
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), ErrorKind: kind})
}

func writeResult(w http.ResponseWriter, res core.Result) {
	status := http.StatusOK
	if !res.Success {
		status = statusForKind(res.ErrorKind)
	}
	writeJSON(w, status, res)
}

type GenerateResponse struct {
	core.Result
	PDFPreview string `json:"pdf_preview,omitempty"`
}

func (h *APIHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDocumentRequest(r)
	if err != nil {
		writeError(w, core.KindInvalidRequest, err)
		return
	}

	res := h.pipeline.Generate(r.Context(), req.toCore())
	if !res.Success {
		writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		Result:     res,
		PDFPreview: base64.StdEncoding.EncodeToString(res.PDF),
	})
}

func (h *APIHandler) GenerateAndSignHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDocumentRequest(r)
	if err != nil {
		writeError(w, core.KindInvalidRequest, err)
		return
	}
	writeResult(w, h.pipeline.GenerateAndSign(r.Context(), req.toCore()))
}

func (h *APIHandler) SignViaEmailHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDocumentRequest(r)
	if err != nil {
		writeError(w, core.KindInvalidRequest, err)
		return
	}
	req.Embedded = false
	writeResult(w, h.pipeline.GenerateAndSign(r.Context(), req.toCore()))
}

func (h *APIHandler) SignDocumentHandler(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	req, err := decodeDocumentRequest(r)
	if err != nil {
		writeError(w, core.KindInvalidRequest, err)
		return
	}
	writeResult(w, h.pipeline.SignDocument(r.Context(), docID, req.toCore()))
}

type SearchResponse struct {
	Query   string                `json:"query"`
	Results []core.ScoredDocument `json:"results"`
}

func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, core.KindInvalidRequest, fmt.Errorf("invalid k %q", raw))
			return
		}
		k = parsed
	}

	results, err := h.pipeline.Search(r.Context(), query, k)
	if err != nil {
		writeError(w, core.KindOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Results: results})
}

func (h *APIHandler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := h.pipeline.Document(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, core.KindOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *APIHandler) DocumentPDFHandler(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	pdf, err := h.pipeline.RenderDocument(r.Context(), docID)
	if err != nil {
		writeError(w, core.KindOf(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", docID+".pdf"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		h.logger.Warn().Err(err).Str("doc_id", docID).Msg("failed to write pdf response")
	}
}

func (h *APIHandler) SyncDocumentHandler(w http.ResponseWriter, r *http.Request) {
	res := h.pipeline.SyncSignatureStatus(r.Context(), chi.URLParam(r, "docID"))
	status := http.StatusOK
	if !res.Success {
		status = statusForKind(res.ErrorKind)
	}
	writeJSON(w, status, res)
}

func (h *APIHandler) EnvelopeStatusHandler(w http.ResponseWriter, r *http.Request) {
	env := h.pipeline.EnvelopeStatus(r.Context(), chi.URLParam(r, "envelopeID"))
	status := http.StatusOK
	switch {
	case env.NotFound:
		status = http.StatusNotFound
	case env.Error != "":
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, env)
}

type RecipientViewRequest struct {
	ReturnURL    string `json:"return_url"`
	UserName     string `json:"user_name"`
	Email        string `json:"email"`
	ClientUserID string `json:"client_user_id"`
}

func (h *APIHandler) RecipientViewHandler(w http.ResponseWriter, r *http.Request) {
	var req RecipientViewRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, core.KindInvalidRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}
	writeResult(w, h.pipeline.RecipientView(r.Context(), chi.URLParam(r, "envelopeID"), esign.ViewRequest{
		ReturnURL:    req.ReturnURL,
		UserName:     req.UserName,
		Email:        req.Email,
		ClientUserID: req.ClientUserID,
	}))
}
