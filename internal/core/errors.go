package core

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrGeneration     = errors.New("content generation failed")
	ErrStorage        = errors.New("document storage failed")
	ErrNotFound       = errors.New("document not found")
)

// ErrorKind classifies a failed pipeline Result for callers that map it to
// a transport status.
type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindGeneration      ErrorKind = "generation_error"
	KindStorage         ErrorKind = "storage_error"
	KindAuthentication  ErrorKind = "authentication_error"
	KindConsentRequired ErrorKind = "consent_required"
	KindDispatch        ErrorKind = "dispatch_error"
	KindNotFound        ErrorKind = "not_found"
)

// KindOf classifies an error returned by the pipeline's lookup operations.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrGeneration):
		return KindGeneration
	default:
		return KindStorage
	}
}
