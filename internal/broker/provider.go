package broker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Provider names, also reported as the "source" extra of returned tokens.
const (
	SourceUser           = "user"
	SourceServiceAccount = "service_account"
)

// CredentialProvider is one strategy for obtaining an access token.
//
// TryGetToken returns ok=false with a nil error when the provider has nothing
// to offer (absent credential, terminal failure already handled). A non-nil
// error is a failure the broker reports or records.
type CredentialProvider interface {
	Name() string
	TryGetToken(ctx context.Context, userID string, scopes []string) (tok *oauth2.Token, ok bool, err error)
}

// UserOAuthProvider serves delegated user tokens from a TokenStore.
type UserOAuthProvider struct {
	Tokens *TokenStore
	Logger *zap.Logger
}

func (p *UserOAuthProvider) Name() string { return SourceUser }

func (p *UserOAuthProvider) TryGetToken(ctx context.Context, userID string, scopes []string) (*oauth2.Token, bool, error) {
	if userID == "" {
		return nil, false, nil
	}
	rec, err := p.Tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoValidToken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !rec.Covers(scopes) {
		if p.Logger != nil {
			p.Logger.Debug("user grant does not cover requested scopes", zap.String("user_id", userID), zap.String("scope_key", ScopeKey(scopes)))
		}
		return nil, false, nil
	}
	tok := &oauth2.Token{AccessToken: rec.AccessToken, TokenType: "Bearer", Expiry: rec.Expiry()}
	return tok.WithExtra(map[string]any{"source": SourceUser}), true, nil
}

// ServiceAccountProvider serves tokens minted by a ServiceAccountSigner.
type ServiceAccountProvider struct {
	Signer *ServiceAccountSigner
}

func (p *ServiceAccountProvider) Name() string { return SourceServiceAccount }

func (p *ServiceAccountProvider) TryGetToken(ctx context.Context, _ string, scopes []string) (*oauth2.Token, bool, error) {
	if p.Signer == nil {
		return nil, false, nil
	}
	tok, err := p.Signer.Token(ctx, scopes)
	if err != nil {
		return nil, false, err
	}
	return tok.WithExtra(map[string]any{"source": SourceServiceAccount}), true, nil
}

// TokenSourceOf returns the provider that produced tok.
func TokenSourceOf(tok *oauth2.Token) string {
	if tok == nil {
		return ""
	}
	s, _ := tok.Extra("source").(string)
	return s
}
