package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medidocs.io/docflow/internal/auth"
	"medidocs.io/docflow/internal/core"
	"medidocs.io/docflow/internal/esign"
	"medidocs.io/docflow/internal/store"
)

type fakePipeline struct {
	result     core.Result
	syncResult core.SyncResult
	envelope   esign.EnvelopeStatus
	docs       map[string]*store.Document

	lastRequest core.Request
	lastDocID   string
	lastQuery   string
	lastK       int
	lastView    esign.ViewRequest
}

func (f *fakePipeline) Generate(ctx context.Context, req core.Request) core.Result {
	f.lastRequest = req
	return f.result
}

func (f *fakePipeline) GenerateAndSign(ctx context.Context, req core.Request) core.Result {
	f.lastRequest = req
	return f.result
}

func (f *fakePipeline) SignDocument(ctx context.Context, docID string, req core.Request) core.Result {
	f.lastDocID = docID
	f.lastRequest = req
	return f.result
}

func (f *fakePipeline) SyncSignatureStatus(ctx context.Context, docID string) core.SyncResult {
	f.lastDocID = docID
	return f.syncResult
}

func (f *fakePipeline) Search(ctx context.Context, query string, k int) ([]core.ScoredDocument, error) {
	f.lastQuery, f.lastK = query, k
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", core.ErrInvalidRequest)
	}
	return []core.ScoredDocument{{Document: store.Document{DocumentID: "DOC_1"}, Similarity: 0.9}}, nil
}

func (f *fakePipeline) Document(ctx context.Context, docID string) (*store.Document, error) {
	if doc, ok := f.docs[docID]; ok {
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", core.ErrNotFound, docID)
}

func (f *fakePipeline) RenderDocument(ctx context.Context, docID string) ([]byte, error) {
	if _, err := f.Document(ctx, docID); err != nil {
		return nil, err
	}
	return []byte("%PDF-1.4 " + docID), nil
}

func (f *fakePipeline) EnvelopeStatus(ctx context.Context, envelopeID string) esign.EnvelopeStatus {
	env := f.envelope
	env.EnvelopeID = envelopeID
	return env
}

func (f *fakePipeline) RecipientView(ctx context.Context, envelopeID string, req esign.ViewRequest) core.Result {
	f.lastView = req
	return f.result
}

func newTestServer(p *fakePipeline, secret string) http.Handler {
	return NewRouter(NewAPIHandler(p, secret, zerolog.Nop()))
}

func doRequest(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakePipeline{}, "secret"), http.MethodGet, "/health", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGenerateHandler_JSON(t *testing.T) {
	p := &fakePipeline{result: core.Result{Success: true, DocID: "DOC_20240101000000", PDF: []byte("%PDF-1.4")}}

	rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/generate", "application/json",
		`{"patient_data": {"name": "Jane", "id": "P1"}, "doc_type": "lab_report"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "DOC_20240101000000", body["doc_id"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), body["pdf_preview"])
	assert.Equal(t, "lab_report", p.lastRequest.DocType)
	assert.Equal(t, "Jane", p.lastRequest.PatientData["name"])
}

func TestGenerateAndSignHandler_Form(t *testing.T) {
	p := &fakePipeline{result: core.Result{Success: true, DocID: "DOC_1", EnvelopeID: "env-1", RedirectURL: "https://sign.example.com/env-1"}}
	form := url.Values{
		"role":         {"discharge_summary"},
		"name":         {"Jane"},
		"id":           {"P1"},
		"signer_email": {"dr@example.com"},
		"embedded":     {"true"},
	}

	rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/generate_and_sign",
		"application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "env-1", body["envelope_id"])
	assert.Equal(t, "https://sign.example.com/env-1", body["redirect_url"])
	assert.Equal(t, "discharge_summary", p.lastRequest.DocType)
	assert.Equal(t, core.PatientData{"name": "Jane", "id": "P1"}, p.lastRequest.PatientData)
	assert.Equal(t, "dr@example.com", p.lastRequest.Signer.Email)
	assert.True(t, p.lastRequest.Embedded)
}

func TestGenerateAndSignHandler_FormPatientDataJSON(t *testing.T) {
	p := &fakePipeline{result: core.Result{Success: true}}
	form := url.Values{"patient_data": {`{"name": "Jane", "age": 42}`}}

	rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/generate_and_sign",
		"application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Jane", p.lastRequest.PatientData["name"])
	assert.EqualValues(t, 42, p.lastRequest.PatientData["age"])
}

func TestSignViaEmailHandler_ForcesEmailSigning(t *testing.T) {
	p := &fakePipeline{result: core.Result{Success: true, DocID: "DOC_1", EnvelopeID: "env-1"}}

	rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/sign_via_email", "application/json",
		`{"patient_data": {"name": "Jane"}, "embedded": true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.lastRequest.Embedded)
}

func TestSignDocumentHandler(t *testing.T) {
	p := &fakePipeline{result: core.Result{Success: true, DocID: "DOC_1", EnvelopeID: "env-1"}}

	rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/sign/DOC_1", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DOC_1", p.lastDocID)
}

func TestResultErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		kind   core.ErrorKind
		status int
	}{
		{core.KindInvalidRequest, http.StatusBadRequest},
		{core.KindConsentRequired, http.StatusBadRequest},
		{core.KindNotFound, http.StatusNotFound},
		{core.KindGeneration, http.StatusInternalServerError},
		{core.KindStorage, http.StatusInternalServerError},
		{core.KindAuthentication, http.StatusInternalServerError},
		{core.KindDispatch, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p := &fakePipeline{result: core.Result{DocID: "DOC_1", Error: "boom", ErrorKind: tt.kind}}

			rec := doRequest(t, newTestServer(p, ""), http.MethodPost, "/generate_and_sign", "application/json",
				`{"patient_data": {"name": "Jane"}}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "boom", body["error"])
			assert.Equal(t, string(tt.kind), body["error_kind"])
			assert.Equal(t, "DOC_1", body["doc_id"])
		})
	}
}

func TestMalformedBodies(t *testing.T) {
	h := newTestServer(&fakePipeline{}, "")

	rec := doRequest(t, h, http.MethodPost, "/generate", "application/json", `{"patient_data": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error_kind"])

	rec = doRequest(t, h, http.MethodPost, "/generate", "application/x-www-form-urlencoded", "patient_data=not-json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/generate", "application/x-www-form-urlencoded", "name=Jane&embedded=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchHandler(t *testing.T) {
	p := &fakePipeline{}
	h := newTestServer(p, "")

	rec := doRequest(t, h, http.MethodGet, "/documents/search?q=asthma&k=3", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asthma", p.lastQuery)
	assert.Equal(t, 3, p.lastK)
	results := decodeBody(t, rec)["results"].([]any)
	require.Len(t, results, 1)

	rec = doRequest(t, h, http.MethodGet, "/documents/search?q=asthma&k=many", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/documents/search", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentHandlers(t *testing.T) {
	p := &fakePipeline{docs: map[string]*store.Document{
		"DOC_1": {DocumentID: "DOC_1", PatientID: "P1", Status: store.StatusGenerated, SignatureStatus: store.SignaturePending},
	}}
	h := newTestServer(p, "")

	rec := doRequest(t, h, http.MethodGet, "/documents/DOC_1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "P1", decodeBody(t, rec)["patient_id"])

	rec = doRequest(t, h, http.MethodGet, "/documents/DOC_missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error_kind"])

	rec = doRequest(t, h, http.MethodGet, "/documents/DOC_1/pdf", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 DOC_1", rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/documents/DOC_missing/pdf", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncDocumentHandler(t *testing.T) {
	p := &fakePipeline{syncResult: core.SyncResult{Success: true, DocID: "DOC_1", Status: store.StatusSigned, Updated: true}}
	h := newTestServer(p, "")

	rec := doRequest(t, h, http.MethodPost, "/documents/DOC_1/sync", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "signed", decodeBody(t, rec)["status"])
	assert.Equal(t, "DOC_1", p.lastDocID)

	p.syncResult = core.SyncResult{DocID: "DOC_2", Error: "not found", ErrorKind: core.KindNotFound}
	rec = doRequest(t, h, http.MethodPost, "/documents/DOC_2/sync", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnvelopeHandlers(t *testing.T) {
	p := &fakePipeline{envelope: esign.EnvelopeStatus{Status: "completed"}}
	h := newTestServer(p, "")

	rec := doRequest(t, h, http.MethodGet, "/envelopes/env-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "env-1", body["envelope_id"])
	assert.Equal(t, "completed", body["status"])

	p.envelope = esign.EnvelopeStatus{Error: "ENVELOPE_DOES_NOT_EXIST", NotFound: true}
	rec = doRequest(t, h, http.MethodGet, "/envelopes/env-2", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	p.result = core.Result{Success: true, EnvelopeID: "env-1", RedirectURL: "https://sign.example.com/view"}
	rec = doRequest(t, h, http.MethodPost, "/envelopes/env-1/views/recipient", "application/json",
		`{"return_url": "http://localhost/done", "client_user_id": "DOC_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://sign.example.com/view", decodeBody(t, rec)["redirect_url"])
	assert.Equal(t, "DOC_1", p.lastView.ClientUserID)
	assert.Equal(t, "http://localhost/done", p.lastView.ReturnURL)
}

func TestJWTAuthMiddleware(t *testing.T) {
	p := &fakePipeline{docs: map[string]*store.Document{"DOC_1": {DocumentID: "DOC_1"}}}
	h := newTestServer(p, "api-secret")

	rec := doRequest(t, h, http.MethodGet, "/documents/DOC_1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/documents/DOC_1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.GenerateToken([]byte("api-secret"), "ops", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/documents/DOC_1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestLoggerRecordsTokenSubject(t *testing.T) {
	var logs strings.Builder
	p := &fakePipeline{docs: map[string]*store.Document{"DOC_1": {DocumentID: "DOC_1"}}}
	h := NewRouter(NewAPIHandler(p, "api-secret", zerolog.New(&logs)))

	token, err := auth.GenerateToken([]byte("api-secret"), "ops", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/documents/DOC_1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), `"subject":"ops"`)
	assert.Contains(t, logs.String(), `"path":"/documents/DOC_1"`)
}
