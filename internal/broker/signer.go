package broker

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

type cachedServiceToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

type assertionHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type assertionClaims struct {
	Iss   string `json:"iss"`
	Sub   string `json:"sub,omitempty"`
	Scope string `json:"scope"`
	Aud   string `json:"aud"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

// ServiceAccountSigner obtains access tokens with the JWT-bearer grant
// (RFC 7523). Tokens are cached per scope set and minted once per expiry
// no matter how many callers are waiting.
type ServiceAccountSigner struct {
	cred     ServiceAccountCredential
	tokenURL string
	key      *rsa.PrivateKey
	keyErr   error

	clock   Clock
	random  RandomSource
	margin  time.Duration
	http    *tokenEndpoint
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	cache map[string]cachedServiceToken
	group singleflight.Group
}

// NewServiceAccountSigner parses the key once. A malformed key does not fail
// construction; every Token call reports it as a ServiceAccountError instead.
func NewServiceAccountSigner(cred ServiceAccountCredential, opts ...Option) *ServiceAccountSigner {
	s := newSettings(opts)
	signer := &ServiceAccountSigner{
		cred:     cred,
		tokenURL: cred.TokenEndpoint,
		clock:    s.clock,
		random:   s.random,
		margin:   s.margin,
		http:     &tokenEndpoint{client: s.client, timeout: s.timeout, logger: s.logger, metrics: s.metrics},
		logger:   s.logger.With(zap.String("service_account", cred.ClientEmail)),
		metrics:  s.metrics,
		cache:    map[string]cachedServiceToken{},
	}
	if signer.tokenURL == "" {
		signer.tokenURL = s.endpoint.TokenURL
	}
	if err := cred.validate(); err != nil {
		signer.keyErr = err
	} else {
		signer.key, signer.keyErr = ParsePrivateKey(cred.PrivateKeyPEM)
	}
	if signer.keyErr != nil {
		signer.logger.Error("service account key unusable", zap.Error(signer.keyErr))
	}
	return signer
}

// Email returns the service account identity.
func (s *ServiceAccountSigner) Email() string { return s.cred.ClientEmail }

// Usable reports whether the key parsed.
func (s *ServiceAccountSigner) Usable() bool { return s.keyErr == nil }

// Token returns a cached or freshly minted access token for scopes.
func (s *ServiceAccountSigner) Token(ctx context.Context, scopes []string) (*oauth2.Token, error) {
	if s.keyErr != nil {
		return nil, s.keyErr
	}
	key := ScopeKey(scopes)
	if key == "" {
		return nil, &ServiceAccountError{Reason: ReasonSigning, Err: errors.New("no scopes requested")}
	}
	if tok, ok := s.cached(key); ok {
		s.metrics.cache("service_account", true)
		return tok, nil
	}
	s.metrics.cache("service_account", false)

	v, err, shared := s.group.Do(key, func() (any, error) {
		if tok, ok := s.cached(key); ok {
			return tok, nil
		}
		return s.mint(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("joined in-flight service account exchange", zap.String("scope_key", key))
	}
	return v.(*oauth2.Token), nil
}

// Invalidate drops the cached token for scopes.
func (s *ServiceAccountSigner) Invalidate(scopes []string) {
	s.mu.Lock()
	delete(s.cache, ScopeKey(scopes))
	s.mu.Unlock()
}

func (s *ServiceAccountSigner) cached(key string) (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[key]
	if !ok || !s.clock.Now().Add(s.margin).Before(c.ExpiresAt) {
		return nil, false
	}
	return &oauth2.Token{AccessToken: c.AccessToken, TokenType: c.TokenType, Expiry: c.ExpiresAt}, true
}

func (s *ServiceAccountSigner) mint(ctx context.Context, key string) (*oauth2.Token, error) {
	assertion, err := s.Assertion(strings.Fields(key))
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", GrantJWTBearer)
	form.Set("assertion", assertion)

	resp, err := s.http.postToken(ctx, s.tokenURL, GrantJWTBearer, form)
	if err != nil {
		reason := ReasonTransport
		var xe *ExchangeError
		if errors.As(err, &xe) && xe.Status != 0 {
			reason = ReasonProviderRejected
		}
		s.logger.Warn("service account token exchange failed", zap.String("reason", reason), zap.Error(err))
		return nil, &ServiceAccountError{Reason: reason, Err: err}
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	entry := cachedServiceToken{
		AccessToken: resp.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   s.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	s.mu.Lock()
	s.cache[key] = entry
	s.mu.Unlock()
	s.logger.Info("minted service account token", zap.String("scope_key", key), zap.Time("expires_at", entry.ExpiresAt))
	return &oauth2.Token{AccessToken: entry.AccessToken, TokenType: entry.TokenType, Expiry: entry.ExpiresAt}, nil
}

// Assertion builds and signs the JWT presented to the token endpoint.
func (s *ServiceAccountSigner) Assertion(scopes []string) (string, error) {
	if s.keyErr != nil {
		return "", s.keyErr
	}
	now := s.clock.Now()
	return signAssertion(s.key, s.random, assertionClaims{
		Iss:   s.cred.ClientEmail,
		Sub:   s.cred.Subject,
		Scope: strings.Join(scopes, " "),
		Aud:   s.tokenURL,
		Iat:   now.Unix(),
		Exp:   now.Add(AssertionLifetime).Unix(),
	})
}

func signAssertion(key *rsa.PrivateKey, random RandomSource, claims assertionClaims) (string, error) {
	header, err := json.Marshal(assertionHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return "", &ServiceAccountError{Reason: ReasonSigning, Err: err}
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", &ServiceAccountError{Reason: ReasonSigning, Err: err}
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(random, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", &ServiceAccountError{Reason: ReasonSigning, Err: err}
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
