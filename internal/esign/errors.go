package esign

import (
	"errors"
	"fmt"
)

// ErrConsentRequired matches an AuthenticationError raised because the
// impersonated user has not granted consent to the integration.
var ErrConsentRequired = errors.New("consent required")

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.ErrorCode != "" && e.Message != "":
		return fmt.Sprintf("esign api error (HTTP %d): %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	case e.ErrorCode != "":
		return fmt.Sprintf("esign api error (HTTP %d): %s", e.StatusCode, e.ErrorCode)
	default:
		return fmt.Sprintf("esign api error (HTTP %d)", e.StatusCode)
	}
}

// AuthenticationError covers invalid keys, rejected assertions, missing
// accounts and unresolved consent.
type AuthenticationError struct {
	Reason     string
	ConsentURL string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrConsentRequired && e.ConsentURL != ""
}

// DispatchError wraps a failed envelope operation.
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("envelope %s failed: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
