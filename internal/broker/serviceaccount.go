package broker

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceAccountCredential is a Google service-account identity.
type ServiceAccountCredential struct {
	ClientEmail   string
	PrivateKeyPEM string
	TokenEndpoint string
	// Subject, when set, is impersonated through domain-wide delegation.
	Subject string
}

// LoadServiceAccountJSON parses a Google service-account key file.
func LoadServiceAccountJSON(data []byte) (*ServiceAccountCredential, error) {
	var payload struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
		TokenURI    string `json:"token_uri"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &ServiceAccountError{Reason: ReasonMalformedKey, Err: fmt.Errorf("decode service account json: %w", err)}
	}
	if payload.Type != "" && payload.Type != "service_account" {
		return nil, &ServiceAccountError{Reason: ReasonMalformedKey, Err: fmt.Errorf("unexpected credential type %q", payload.Type)}
	}
	cred := &ServiceAccountCredential{
		ClientEmail:   strings.TrimSpace(payload.ClientEmail),
		PrivateKeyPEM: payload.PrivateKey,
		TokenEndpoint: strings.TrimSpace(payload.TokenURI),
	}
	if err := cred.validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

func (c *ServiceAccountCredential) validate() error {
	if c.ClientEmail == "" {
		return &ServiceAccountError{Reason: ReasonMalformedKey, Err: errors.New("client_email missing")}
	}
	if strings.TrimSpace(c.PrivateKeyPEM) == "" {
		return &ServiceAccountError{Reason: ReasonMalformedKey, Err: errors.New("private_key missing")}
	}
	return nil
}

// NormalizePEM turns a key pasted into configuration back into PEM text:
// surrounding quotes are stripped and literal "\n" escapes become newlines.
func NormalizePEM(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s) + "\n"
}

// ParsePrivateKey normalizes and parses a PKCS#1 or PKCS#8 RSA key.
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(NormalizePEM(raw)))
	if err != nil {
		return nil, &ServiceAccountError{Reason: ReasonMalformedKey, Err: err}
	}
	return key, nil
}
