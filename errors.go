package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/drivecreds/internal/broker"
)

// retryAfterSeconds is advertised on 503 answers caused by a transient
// token endpoint failure.
const retryAfterSeconds = 5

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// brokerErrorStatus maps a broker error to an HTTP status and error code.
func brokerErrorStatus(err error) (int, string, string) {
	var consent *broker.ConsentError
	switch {
	case errors.As(err, &consent):
		return http.StatusForbidden, "CONSENT_DENIED", "Authorization was denied: " + consent.Code
	case errors.Is(err, broker.ErrReplayedState):
		return http.StatusBadRequest, "REPLAYED_STATE", "Authorization state was already used"
	case errors.Is(err, broker.ErrExpiredState):
		return http.StatusBadRequest, "EXPIRED_STATE", "Authorization state has expired"
	case errors.Is(err, broker.ErrExpiredOrUnknownState):
		return http.StatusBadRequest, "INVALID_STATE", "Authorization state is invalid"
	case errors.Is(err, broker.ErrMissingCode):
		return http.StatusBadRequest, "MISSING_CODE", "Authorization code is missing"
	case errors.Is(err, broker.ErrNoCredentialsAvailable):
		return http.StatusNotFound, "NO_CREDENTIALS", "No credentials available; the user must authorize access"
	case errors.Is(err, broker.ErrTokenEndpointTimeout):
		return http.StatusGatewayTimeout, "TOKEN_ENDPOINT_TIMEOUT", "Token endpoint timed out"
	case broker.IsRetryable(err):
		return http.StatusServiceUnavailable, "TOKEN_ENDPOINT_UNAVAILABLE", "Token endpoint is temporarily unavailable"
	case errors.Is(err, broker.ErrServiceAccountAuth):
		return http.StatusBadGateway, "SERVICE_ACCOUNT_ERROR", "Service account authentication failed"
	case errors.Is(err, broker.ErrExchangeFailed):
		return http.StatusBadRequest, "EXCHANGE_FAILED", "Authorization code exchange failed"
	case errors.Is(err, broker.ErrNotConfigured):
		return http.StatusServiceUnavailable, "NOT_CONFIGURED", "Google OAuth is not configured"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
}

// writeBrokerError writes err as an APIError. Details of the underlying
// failure go to the log only.
func (a *App) writeBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := brokerErrorStatus(err)
	if status == http.StatusServiceUnavailable && code == "TOKEN_ENDPOINT_UNAVAILABLE" {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	log := a.Logger.With(zap.String("request_id", requestID(r.Context())), zap.String("error_code", code), zap.Error(err))
	if status >= 500 {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	writeError(w, status, code, msg)
}
