package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medidocs.io/docflow/internal/store"
	"medidocs.io/docflow/internal/utils"
)

const DefaultEmbeddingDimensions = 1024

// Embedder computes a fixed-length vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewDocument is what a caller supplies to Store. The embedding is always
// computed from Content.
type NewDocument struct {
	DocumentID string
	PatientID  string
	DocType    string
	Content    string
	Status     store.DocumentStatus
	Timestamp  time.Time // zero means now
}

type ScoredDocument struct {
	Document   store.Document `json:"document"`
	Similarity float32        `json:"similarity"`
}

// DocumentStore is the fail-soft facade the pipeline uses. Every failure is
// logged and reported as false, nil or an empty slice.
type DocumentStore struct {
	db         *store.SQLiteStore
	embedder   Embedder
	dimensions int
	logger     zerolog.Logger
}

func NewDocumentStore(db *store.SQLiteStore, embedder Embedder, dimensions int, logger zerolog.Logger) *DocumentStore {
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	return &DocumentStore{
		db:         db,
		embedder:   embedder,
		dimensions: dimensions,
		logger:     logger.With().Str("component", "document_store").Logger(),
	}
}

func (s *DocumentStore) embed(ctx context.Context, text string) ([]float32, bool) {
	if strings.TrimSpace(text) == "" {
		s.logger.Warn().Msg("refusing to embed empty text")
		return nil, false
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Error().Err(err).Msg("embedding failed")
		return nil, false
	}
	if err := utils.CheckDimensions(vec, s.dimensions); err != nil {
		s.logger.Error().Err(err).Msg("embedding rejected")
		return nil, false
	}
	return vec, true
}

// Store embeds doc.Content and upserts the document keyed on its id. An
// existing document keeps its status and envelope fields.
func (s *DocumentStore) Store(ctx context.Context, doc NewDocument) bool {
	log := s.logger.With().Str("doc_id", doc.DocumentID).Logger()
	if doc.DocumentID == "" {
		log.Error().Msg("cannot store document without an id")
		return false
	}

	vec, ok := s.embed(ctx, doc.Content)
	if !ok {
		return false
	}

	patientID := doc.PatientID
	if strings.TrimSpace(patientID) == "" {
		patientID = store.UnknownPatientID
	}
	status := doc.Status
	if status == "" {
		status = store.StatusGenerated
	}
	if !status.Valid() {
		log.Error().Str("status", string(status)).Msg("invalid document status")
		return false
	}

	record := &store.Document{
		DocumentID:      doc.DocumentID,
		PatientID:       patientID,
		DocType:         doc.DocType,
		Content:         doc.Content,
		Embedding:       vec,
		Status:          status,
		SignatureStatus: store.SignaturePending,
		Timestamp:       doc.Timestamp.UTC(),
	}
	if err := s.db.UpsertDocument(ctx, record); err != nil {
		log.Error().Err(err).Msg("failed to persist document")
		return false
	}
	log.Info().Str("patient_id", patientID).Str("doc_type", doc.DocType).Msg("document stored")
	return true
}

// RetrieveBySimilarity returns up to k documents ranked by cosine
// similarity to query, best first.
func (s *DocumentStore) RetrieveBySimilarity(ctx context.Context, query string, k int) []ScoredDocument {
	if k <= 0 {
		return []ScoredDocument{}
	}
	queryVec, ok := s.embed(ctx, query)
	if !ok {
		return []ScoredDocument{}
	}

	docs, err := s.db.GetAllDocuments(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load documents for similarity search")
		return []ScoredDocument{}
	}

	vectors := make([][]float32, len(docs))
	for i := range docs {
		vectors[i] = docs[i].Embedding
	}
	ranked := utils.RankBySimilarity(queryVec, vectors, k)

	results := make([]ScoredDocument, 0, len(ranked))
	for _, r := range ranked {
		results = append(results, ScoredDocument{Document: docs[r.Index], Similarity: r.Similarity})
	}
	s.logger.Debug().Int("candidates", len(docs)).Int("returned", len(results)).Msg("similarity search complete")
	return results
}

func (s *DocumentStore) RetrieveByID(ctx context.Context, documentID string) *store.Document {
	doc, err := s.db.GetDocumentByID(ctx, documentID)
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", documentID).Msg("failed to retrieve document")
		return nil
	}
	return doc
}

func (s *DocumentStore) RetrieveByEnvelopeID(ctx context.Context, envelopeID string) *store.Document {
	doc, err := s.db.GetDocumentByEnvelopeID(ctx, envelopeID)
	if err != nil {
		s.logger.Error().Err(err).Str("envelope_id", envelopeID).Msg("failed to retrieve document by envelope")
		return nil
	}
	return doc
}

// Exists reports whether documentID is taken. Lookup errors count as taken
// so callers pick a fresh id instead of overwriting.
func (s *DocumentStore) Exists(ctx context.Context, documentID string) bool {
	exists, err := s.db.DocumentExists(ctx, documentID)
	if err != nil {
		s.logger.Error().Err(err).Str("doc_id", documentID).Msg("failed to check document id")
		return true
	}
	return exists
}

// UpdateStatus merges update into the stored document. It returns false for
// an unknown id, an empty update or a backward status transition.
func (s *DocumentStore) UpdateStatus(ctx context.Context, documentID string, update store.StatusUpdate) bool {
	log := s.logger.With().Str("doc_id", documentID).Logger()
	if update.IsEmpty() {
		log.Warn().Msg("empty status update")
		return false
	}

	doc, err := s.db.UpdateStatus(ctx, documentID, update)
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		log.Warn().Msg("status update for unknown document")
		return false
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn().Err(err).Msg("status update rejected")
		return false
	case err != nil:
		log.Error().Err(err).Msg("status update failed")
		return false
	}
	log.Info().Str("status", string(doc.Status)).Str("signature_status", string(doc.SignatureStatus)).Msg("document status updated")
	return true
}

func (s *DocumentStore) ListByStatus(ctx context.Context, status store.DocumentStatus) []store.Document {
	docs, err := s.db.GetDocumentsByStatus(ctx, status)
	if err != nil {
		s.logger.Error().Err(err).Str("status", string(status)).Msg("failed to list documents")
		return []store.Document{}
	}
	return docs
}

// Delete is an administrative operation; the pipeline never calls it.
func (s *DocumentStore) Delete(ctx context.Context, documentID string) bool {
	if err := s.db.DeleteDocument(ctx, documentID); err != nil {
		s.logger.Warn().Err(err).Str("doc_id", documentID).Msg("failed to delete document")
		return false
	}
	s.logger.Info().Str("doc_id", documentID).Msg("document deleted")
	return true
}
