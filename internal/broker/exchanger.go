package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Exchanger runs the authorization-code side of OAuth2: consent URLs, code
// exchange, refresh and revocation.
type Exchanger struct {
	creds     ClientCredentials
	endpoint  oauth2.Endpoint
	revokeURL string
	states    *StateTokenStore
	http      *tokenEndpoint
	logger    *zap.Logger
}

// NewExchanger builds an Exchanger that issues states from states.
func NewExchanger(creds ClientCredentials, states *StateTokenStore, opts ...Option) (*Exchanger, error) {
	if strings.TrimSpace(creds.ClientID) == "" {
		return nil, fmt.Errorf("%w: client id missing", ErrNotConfigured)
	}
	if states == nil {
		return nil, errors.New("exchanger requires a state token store")
	}
	s := newSettings(opts)
	return &Exchanger{
		creds:     creds,
		endpoint:  s.endpoint,
		revokeURL: s.revokeURL,
		states:    states,
		http:      &tokenEndpoint{client: s.client, timeout: s.timeout, logger: s.logger, metrics: s.metrics},
		logger:    s.logger,
	}, nil
}

// RedirectURI returns the configured callback URL.
func (x *Exchanger) RedirectURI() string { return x.creds.RedirectURI }

// ConsentURL issues a state token for userID and returns the consent URL.
func (x *Exchanger) ConsentURL(ctx context.Context, userID string, scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "", errors.New("consent url: no scopes requested")
	}
	state, err := x.states.Issue(ctx, userID)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("client_id", x.creds.ClientID)
	params.Set("redirect_uri", x.creds.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("access_type", "offline")
	params.Set("state", state)
	params.Set("prompt", "consent")

	sep := "?"
	if strings.Contains(x.endpoint.AuthURL, "?") {
		sep = "&"
	}
	return x.endpoint.AuthURL + sep + params.Encode(), nil
}

// ExchangeCode trades an authorization code for tokens. An empty redirectURI
// uses the configured one.
func (x *Exchanger) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if redirectURI == "" {
		redirectURI = x.creds.RedirectURI
	}
	form := url.Values{}
	form.Set("client_id", x.creds.ClientID)
	form.Set("client_secret", x.creds.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("grant_type", GrantAuthorizationCode)
	return x.http.postToken(ctx, x.endpoint.TokenURL, GrantAuthorizationCode, form)
}

// Refresh obtains a new access token. An invalid_grant answer is terminal.
func (x *Exchanger) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", x.creds.ClientID)
	form.Set("client_secret", x.creds.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", GrantRefreshToken)
	return x.http.postToken(ctx, x.endpoint.TokenURL, GrantRefreshToken, form)
}

// Revoke invalidates token at the provider.
func (x *Exchanger) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)
	status, body, err := x.http.post(ctx, x.revokeURL, grantRevoke, form)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		x.http.metrics.endpoint(grantRevoke, "rejected")
		return errorFromBody(grantRevoke, status, body)
	}
	x.http.metrics.endpoint(grantRevoke, "ok")
	return nil
}
