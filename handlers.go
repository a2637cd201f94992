package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/drivecreds/internal/broker"
)

// decodeScopes reads an optional {"scopes": [...]} body. An empty body or an
// empty list selects the configured scopes.
func (a *App) decodeScopes(r *http.Request) ([]string, error) {
	var req scopesRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	var scopes []string
	for _, s := range req.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	if len(scopes) == 0 {
		return a.Scopes, nil
	}
	return scopes, nil
}

func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["userId"])
}

func (a *App) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "User id is required")
		return
	}
	scopes, err := a.decodeScopes(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	consentURL, err := a.Broker.StartAuthorization(r.Context(), userID, scopes)
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consentResponse{UserID: userID, ConsentURL: consentURL})
}

// HandleCallback receives Google's redirect. It is not behind API key auth:
// the state token is the credential.
func (a *App) HandleCallback(w http.ResponseWriter, r *http.Request) {
	userID, err := a.Broker.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	if a.CallbackSuccessURL != "" {
		target, err := url.Parse(a.CallbackSuccessURL)
		if err == nil {
			q := target.Query()
			q.Set("user_id", userID)
			target.RawQuery = q.Encode()
			http.Redirect(w, r, target.String(), http.StatusFound)
			return
		}
	}
	writeJSON(w, http.StatusOK, callbackResponse{Connected: true, UserID: userID})
}

func (a *App) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	st, err := a.Broker.Status(r.Context(), userID)
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleToken returns a valid access token for the user, refreshing or
// falling back to the service account as needed.
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	scopes, err := a.decodeScopes(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	tok, err := a.Broker.GetAccessToken(r.Context(), userID, scopes)
	if err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessTokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresAt:   tok.Expiry.UTC(),
		Source:      broker.TokenSourceOf(tok),
	})
}

func (a *App) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if err := a.Broker.Disconnect(r.Context(), userID); err != nil {
		a.writeBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disconnectResponse{Disconnected: true, UserID: userID})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if a.Store != nil {
		if err := a.Store.Ping(r.Context()); err != nil {
			a.Logger.Warn("store is not ready", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
