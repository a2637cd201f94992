// Package broker obtains and maintains Google access tokens on behalf of
// users. It runs the OAuth2 authorization-code flow for delegated access and
// the JWT-bearer flow for a service account, and falls back from the first to
// the second when a user has no usable grant.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Broker is the public entry point.
type Broker struct {
	states    *StateTokenStore
	exchanger *Exchanger
	tokens    *TokenStore
	signer    *ServiceAccountSigner
	providers []CredentialProvider
	clock     Clock
	margin    time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

// Config collects the parts a Broker is assembled from. Signer may be nil.
type Config struct {
	States    *StateTokenStore
	Exchanger *Exchanger
	Tokens    *TokenStore
	Signer    *ServiceAccountSigner
}

// New assembles a Broker. The provider order is user token first, service
// account second.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if cfg.States == nil || cfg.Exchanger == nil || cfg.Tokens == nil {
		return nil, fmt.Errorf("%w: broker requires states, exchanger and token store", ErrNotConfigured)
	}
	s := newSettings(opts)
	b := &Broker{
		states:    cfg.States,
		exchanger: cfg.Exchanger,
		tokens:    cfg.Tokens,
		signer:    cfg.Signer,
		clock:     s.clock,
		margin:    s.margin,
		logger:    s.logger,
		metrics:   s.metrics,
	}
	b.providers = []CredentialProvider{&UserOAuthProvider{Tokens: cfg.Tokens, Logger: s.logger}}
	if cfg.Signer != nil {
		b.providers = append(b.providers, &ServiceAccountProvider{Signer: cfg.Signer})
	}
	return b, nil
}

// Repositories selects the storage behind a broker built by NewFromSecrets.
// Nil fields select the in-memory repositories.
type Repositories struct {
	States  StateRepository
	Records RecordRepository
}

// NewFromSecrets builds every component from the secret store.
func NewFromSecrets(ctx context.Context, secrets SecretStore, repos Repositories, opts ...Option) (*Broker, error) {
	creds, err := secrets.ClientCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client credentials: %w", err)
	}
	states := NewStateTokenStore(repos.States, opts...)
	exchanger, err := NewExchanger(creds, states, opts...)
	if err != nil {
		return nil, err
	}
	tokens := NewTokenStore(repos.Records, exchanger, opts...)

	var signer *ServiceAccountSigner
	sa, err := secrets.ServiceAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load service account: %w", err)
	}
	if sa != nil {
		signer = NewServiceAccountSigner(*sa, opts...)
	}
	return New(Config{States: states, Exchanger: exchanger, Tokens: tokens, Signer: signer}, opts...)
}

// States exposes the state token store, e.g. to run its sweeper.
func (b *Broker) States() *StateTokenStore { return b.states }

// StartAuthorization returns the consent URL the user must visit.
func (b *Broker) StartAuthorization(ctx context.Context, userID string, scopes []string) (string, error) {
	u, err := b.exchanger.ConsentURL(ctx, userID, scopes)
	if err != nil {
		return "", err
	}
	b.logger.Info("authorization started", zap.String("user_id", userID), zap.String("scope_key", ScopeKey(scopes)))
	return u, nil
}

// CompleteAuthorization redeems the state, exchanges the code and stores the
// resulting tokens. It returns the user the state was issued for.
func (b *Broker) CompleteAuthorization(ctx context.Context, code, state string) (string, error) {
	userID, err := b.states.Consume(ctx, state)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(code) == "" {
		return "", ErrMissingCode
	}
	resp, err := b.exchanger.ExchangeCode(ctx, code, "")
	if err != nil {
		b.logger.Warn("authorization code exchange failed", zap.String("user_id", userID), zap.Error(err))
		return "", err
	}
	rec, err := b.tokens.Save(ctx, userID, resp)
	if err != nil {
		return "", err
	}
	b.logger.Info("user connected", zap.String("user_id", userID), zap.Time("expires_at", rec.Expiry()), zap.Bool("has_refresh_token", rec.RefreshToken != ""))
	return userID, nil
}

// HandleCallback processes the query of the OAuth redirect. An error parameter
// short-circuits before any exchange; the state is still burned.
func (b *Broker) HandleCallback(ctx context.Context, q url.Values) (string, error) {
	state := q.Get("state")
	if e := q.Get("error"); e != "" {
		if state != "" {
			_, _ = b.states.Consume(ctx, state)
		}
		b.logger.Info("authorization denied by provider", zap.String("error", e))
		return "", &ConsentError{Code: e, Description: q.Get("error_description")}
	}
	if state == "" {
		return "", ErrInvalidState
	}
	return b.CompleteAuthorization(ctx, q.Get("code"), state)
}

// GetAccessToken returns a token for userID covering scopes. Providers are
// tried in order; absence and terminal failures fall through to the next one,
// retryable failures are returned to the caller. It never starts a consent
// flow.
func (b *Broker) GetAccessToken(ctx context.Context, userID string, scopes []string) (*oauth2.Token, error) {
	var lastErr error
	for _, p := range b.providers {
		tok, ok, err := p.TryGetToken(ctx, userID, scopes)
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}
			b.logger.Warn("credential provider failed", zap.String("provider", p.Name()), zap.String("user_id", userID), zap.Error(err))
			lastErr = err
			continue
		}
		if ok {
			b.metrics.served(p.Name())
			return tok, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredentialsAvailable, lastErr)
	}
	return nil, ErrNoCredentialsAvailable
}

// Disconnect revokes and forgets the user's delegated grant.
func (b *Broker) Disconnect(ctx context.Context, userID string) error {
	if err := b.tokens.Remove(ctx, userID); err != nil {
		return err
	}
	b.logger.Info("user disconnected", zap.String("user_id", userID))
	return nil
}

// Status describes a user's connection without touching the network.
type Status struct {
	UserID                  string     `json:"user_id"`
	Connected               bool       `json:"connected"`
	Expired                 bool       `json:"expired,omitempty"`
	ExpiresAt               *time.Time `json:"expires_at,omitempty"`
	Refreshable             bool       `json:"refreshable,omitempty"`
	Scope                   string     `json:"scope,omitempty"`
	ServiceAccountAvailable bool       `json:"service_account_available"`
}

func (b *Broker) Status(ctx context.Context, userID string) (Status, error) {
	st := Status{UserID: userID, ServiceAccountAvailable: b.signer != nil && b.signer.Usable()}
	rec, err := b.tokens.Lookup(ctx, userID)
	if err != nil {
		return st, err
	}
	if rec == nil {
		return st, nil
	}
	exp := rec.Expiry()
	st.Connected = true
	st.ExpiresAt = &exp
	st.Expired = !rec.ValidAt(b.clock.Now(), b.margin)
	st.Refreshable = rec.RefreshToken != ""
	st.Scope = rec.Scope
	return st, nil
}

// TokenSource adapts the broker to oauth2.TokenSource for Google API clients.
func (b *Broker) TokenSource(ctx context.Context, userID string, scopes []string) oauth2.TokenSource {
	return &brokerTokenSource{ctx: ctx, b: b, userID: userID, scopes: scopes}
}

type brokerTokenSource struct {
	ctx    context.Context
	b      *Broker
	userID string
	scopes []string
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	return s.b.GetAccessToken(s.ctx, s.userID, s.scopes)
}
