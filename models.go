package main

import "time"

// scopesRequest is the body of the authorize and token endpoints. Empty
// scopes select the configured defaults.
type scopesRequest struct {
	Scopes []string `json:"scopes"`
}

type consentResponse struct {
	UserID     string `json:"user_id"`
	ConsentURL string `json:"consent_url"`
}

type accessTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Source      string    `json:"source"`
}

type callbackResponse struct {
	Connected bool   `json:"connected"`
	UserID    string `json:"user_id"`
}

type disconnectResponse struct {
	Disconnected bool   `json:"disconnected"`
	UserID       string `json:"user_id"`
}
