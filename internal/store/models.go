package store

import "time"

type DocumentStatus string

const (
	StatusGenerated      DocumentStatus = "generated"
	StatusSentForSigning DocumentStatus = "sent_for_signing"
	StatusSigned         DocumentStatus = "signed"
	StatusError          DocumentStatus = "error"
)

type SignatureStatus string

const (
	SignaturePending   SignatureStatus = "pending"
	SignatureCompleted SignatureStatus = "completed"
	SignatureDeclined  SignatureStatus = "declined"
	SignatureVoided    SignatureStatus = "voided"
)

const UnknownPatientID = "UNKNOWN"

type Document struct {
	DocumentID      string          `json:"document_id"`
	PatientID       string          `json:"patient_id"`
	DocType         string          `json:"doc_type"`
	Content         string          `json:"content"`
	Embedding       []float32       `json:"-"` // similarity search only
	Status          DocumentStatus  `json:"status"`
	EnvelopeID      *string         `json:"envelope_id"` // Nullable
	SignatureStatus SignatureStatus `json:"signature_status"`
	Timestamp       time.Time       `json:"timestamp"`
}

// StatusUpdate carries the only fields that may change after a document is
// stored. Nil fields are left untouched.
type StatusUpdate struct {
	Status          *DocumentStatus
	EnvelopeID      *string
	SignatureStatus *SignatureStatus
}

func (u StatusUpdate) IsEmpty() bool {
	return u.Status == nil && u.EnvelopeID == nil && u.SignatureStatus == nil
}

var statusRank = map[DocumentStatus]int{
	StatusGenerated:      0,
	StatusSentForSigning: 1,
	StatusSigned:         2,
}

func (s DocumentStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusError
}

// CanTransition reports whether a document may move from s to next.
// Statuses only move forward; error is reachable from anywhere and a
// document in error may be retried.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StatusError || s == StatusError {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

func (s SignatureStatus) Valid() bool {
	switch s {
	case SignaturePending, SignatureCompleted, SignatureDeclined, SignatureVoided:
		return true
	}
	return false
}
