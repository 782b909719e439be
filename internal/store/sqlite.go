package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrDocumentNotFound is returned by UpdateStatus when no row matches.
var ErrDocumentNotFound = errors.New("document not found")

// ErrInvalidTransition is returned by UpdateStatus when the requested
// status would move a document backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// One writer at a time keeps read-modify-write updates serialized.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        document_id TEXT PRIMARY KEY,
        patient_id TEXT NOT NULL,
        doc_type TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        status TEXT NOT NULL CHECK (status IN ('generated', 'sent_for_signing', 'signed', 'error')),
        envelope_id TEXT,
        signature_status TEXT NOT NULL DEFAULT 'pending'
            CHECK (signature_status IN ('pending', 'completed', 'declined', 'voided')),
        timestamp DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_documents_patient_id ON documents (patient_id);
    CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);
    CREATE INDEX IF NOT EXISTS idx_documents_envelope_id ON documents (envelope_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

const documentColumns = "document_id, patient_id, doc_type, content, embedding_json, status, envelope_id, signature_status, timestamp"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var embeddingJSON string
	var envelopeID sql.NullString
	var status, signatureStatus string
	if err := row.Scan(&doc.DocumentID, &doc.PatientID, &doc.DocType, &doc.Content, &embeddingJSON,
		&status, &envelopeID, &signatureStatus, &doc.Timestamp); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	doc.SignatureStatus = SignatureStatus(signatureStatus)
	if envelopeID.Valid {
		doc.EnvelopeID = &envelopeID.String
	}
	if embeddingJSON != "" {
		if err := json.Unmarshal([]byte(embeddingJSON), &doc.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for document %s: %w", doc.DocumentID, err)
		}
	}
	return &doc, nil
}

// UpsertDocument inserts doc or replaces the content of the stored row with
// the same document_id. Workflow fields (status, envelope_id,
// signature_status) and the creation timestamp survive a replace; only
// UpdateStatus changes them.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc *Document) error {
	if doc.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	embeddingBytes, err := json.Marshal(doc.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}
	if doc.SignatureStatus == "" {
		doc.SignatureStatus = SignaturePending
	}

	query := `
        INSERT INTO documents (` + documentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (document_id) DO UPDATE SET
            patient_id = excluded.patient_id,
            doc_type = excluded.doc_type,
            content = excluded.content,
            embedding_json = excluded.embedding_json
    `
	_, err = s.db.ExecContext(ctx, query, doc.DocumentID, doc.PatientID, doc.DocType, doc.Content,
		string(embeddingBytes), string(doc.Status), doc.EnvelopeID, string(doc.SignatureStatus), doc.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.DocumentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDocumentByID(ctx context.Context, documentID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE document_id = ?", documentID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) GetDocumentByEnvelopeID(ctx context.Context, envelopeID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE envelope_id = ? ORDER BY timestamp DESC LIMIT 1", envelopeID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document by envelope: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM documents WHERE document_id = ?", documentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return n > 0, nil
}

// GetAllDocuments returns every document, most recent first.
func (s *SQLiteStore) GetAllDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, "SELECT "+documentColumns+" FROM documents ORDER BY timestamp DESC")
}

func (s *SQLiteStore) GetDocumentsByStatus(ctx context.Context, status DocumentStatus) ([]Document, error) {
	return s.queryDocuments(ctx, "SELECT "+documentColumns+" FROM documents WHERE status = ? ORDER BY timestamp DESC", string(status))
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// UpdateStatus reads the full row, applies update and writes the whole row
// back inside one transaction, so fields outside update are never lost.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, documentID string, update StatusUpdate) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE document_id = ?", documentID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to read document for update: %w", err)
	}

	if update.Status != nil {
		if !doc.Status.CanTransition(*update.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, *update.Status)
		}
		doc.Status = *update.Status
	}
	if update.EnvelopeID != nil {
		envelopeID := *update.EnvelopeID
		doc.EnvelopeID = &envelopeID
	}
	if update.SignatureStatus != nil {
		if !update.SignatureStatus.Valid() {
			return nil, fmt.Errorf("invalid signature status %q", *update.SignatureStatus)
		}
		doc.SignatureStatus = *update.SignatureStatus
	}

	embeddingBytes, err := json.Marshal(doc.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
        UPDATE documents SET
            patient_id = ?, doc_type = ?, content = ?, embedding_json = ?,
            status = ?, envelope_id = ?, signature_status = ?, timestamp = ?
        WHERE document_id = ?`,
		doc.PatientID, doc.DocType, doc.Content, string(embeddingBytes),
		string(doc.Status), doc.EnvelopeID, string(doc.SignatureStatus), doc.Timestamp,
		doc.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
