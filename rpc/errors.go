package rpc

import (
	"errors"
	"fmt"
)

// Reserved error messages an add-on uses to signal that the caller must
// re-authorize rather than retry.
const (
	msgInvalidToken   = "invalid token"
	msgConsentRevoked = "consent revoked"
)

var (
	// ErrAuthInvalidated means the caller's access token was rejected by the
	// remote instance.
	ErrAuthInvalidated = errors.New("rpc: authorization invalidated")
	// ErrConsentRevoked means the user revoked consent for the integration on
	// the remote instance.
	ErrConsentRevoked = errors.New("rpc: consent revoked")
)

// RemoteError is a domain failure reported by the remote instance. Message is
// meant to be shown to the user verbatim.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, e.Message)
}

// Reasons carried by InfrastructureError.
const (
	ReasonTimeout           = "timeout"
	ReasonUnreachable       = "unreachable"
	ReasonMalformedResponse = "malformed_response"
	ReasonEncode            = "encode"
)

// InfrastructureError is a transport-level failure. Callers may retry these;
// they say nothing about the remote operation itself.
type InfrastructureError struct {
	Reason string
	Err    error
}

func (e *InfrastructureError) Error() string {
	if e.Err == nil {
		return "rpc infrastructure error: " + e.Reason
	}
	return fmt.Sprintf("rpc infrastructure error: %s: %v", e.Reason, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }
