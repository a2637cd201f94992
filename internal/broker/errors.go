package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrExpiredOrUnknownState is matched by every state consumption failure.
	ErrExpiredOrUnknownState = errors.New("broker: expired or unknown state")
	// ErrInvalidState signals a malformed or never-issued state token.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrExpiredOrUnknownState)
	// ErrExpiredState signals a state token presented after its TTL.
	ErrExpiredState = fmt.Errorf("%w: expired state", ErrExpiredOrUnknownState)
	// ErrReplayedState signals a state token that was already consumed.
	ErrReplayedState = fmt.Errorf("%w: replayed state", ErrExpiredOrUnknownState)

	// ErrMissingCode is returned when a callback carries a state but no code.
	ErrMissingCode = errors.New("broker: authorization code missing")

	ErrExchangeFailed       = errors.New("broker: token exchange failed")
	ErrInvalidGrant         = errors.New("broker: invalid grant")
	ErrTokenEndpointTimeout = errors.New("broker: token endpoint timeout")

	// ErrServiceAccountAuth is matched by every *ServiceAccountError.
	ErrServiceAccountAuth = errors.New("broker: service account authentication failed")

	// ErrNoValidToken means the user has no usable delegated token and must re-authorize.
	ErrNoValidToken = errors.New("broker: no valid user token")
	// ErrNoCredentialsAvailable means no provider could produce a token.
	ErrNoCredentialsAvailable = errors.New("broker: no credentials available")

	ErrNotConfigured = errors.New("broker: not configured")
)

// ExchangeError describes a failed call to the token or revocation endpoint.
type ExchangeError struct {
	Grant       string
	Status      int
	Code        string
	Description string
	Timeout     bool
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := "token exchange failed (" + e.Grant + ")"
	switch {
	case e.Timeout:
		msg += ": timeout"
	case e.Code != "":
		msg += ": " + e.Code
		if e.Description != "" {
			msg += ": " + e.Description
		}
	case e.Status != 0:
		msg += fmt.Sprintf(": status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func (e *ExchangeError) Is(target error) bool {
	switch target {
	case ErrExchangeFailed:
		return true
	case ErrInvalidGrant:
		return e.Terminal()
	case ErrTokenEndpointTimeout:
		return e.Timeout
	}
	return false
}

// Terminal reports whether the grant itself was rejected. Terminal failures
// must not be retried with the same credential.
func (e *ExchangeError) Terminal() bool {
	return e.Code == "invalid_grant"
}

// Retryable reports whether the caller may retry with backoff.
func (e *ExchangeError) Retryable() bool {
	if e.Timeout {
		return true
	}
	if e.Code != "" {
		return e.Code == "temporarily_unavailable" || e.Code == "server_error"
	}
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// Service account failure reasons.
const (
	ReasonMalformedKey     = "malformed_key"
	ReasonSigning          = "signing"
	ReasonProviderRejected = "provider_rejected"
	ReasonTransport        = "transport"
)

// ServiceAccountError wraps a JWT-bearer failure.
type ServiceAccountError struct {
	Reason string
	Err    error
}

func (e *ServiceAccountError) Error() string {
	if e.Err == nil {
		return "service account auth failed: " + e.Reason
	}
	return "service account auth failed: " + e.Reason + ": " + e.Err.Error()
}

func (e *ServiceAccountError) Unwrap() error { return e.Err }

func (e *ServiceAccountError) Is(target error) bool { return target == ErrServiceAccountAuth }

// ConsentError is returned when the provider redirects back with an error
// parameter instead of a code.
type ConsentError struct {
	Code        string
	Description string
}

func (e *ConsentError) Error() string {
	if e.Description != "" {
		return "authorization denied: " + e.Code + ": " + e.Description
	}
	return "authorization denied: " + e.Code
}

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenEndpointTimeout) {
		return true
	}
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe.Retryable()
	}
	return false
}
