package broker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSecrets struct {
	creds ClientCredentials
	sa    *ServiceAccountCredential
	err   error
}

func (s staticSecrets) ClientCredentials(context.Context) (ClientCredentials, error) {
	return s.creds, s.err
}

func (s staticSecrets) ServiceAccount(context.Context) (*ServiceAccountCredential, error) {
	return s.sa, nil
}

// googleFlow answers the code exchange with A1/R1 and every refresh with A2.
func googleFlow(grant string, form url.Values) reply {
	switch grant {
	case GrantAuthorizationCode:
		if form.Get("code") != "validCode" {
			return reply{status: http.StatusBadRequest, body: oauthError("invalid_grant")}
		}
		body := tokenBody("A1", 3600)
		body["refresh_token"] = "R1"
		return reply{body: body}
	case GrantRefreshToken:
		return reply{body: tokenBody("A2", 3600)}
	case GrantJWTBearer:
		return reply{body: tokenBody("SA-1", 3600)}
	}
	return reply{}
}

func newTestBroker(t *testing.T, g *fakeGoogle, clock Clock, sa *ServiceAccountCredential, extra ...Option) *Broker {
	t.Helper()
	opts := append(g.options(clock), extra...)
	b, err := NewFromSecrets(context.Background(), staticSecrets{creds: testCreds, sa: sa}, Repositories{}, opts...)
	require.NoError(t, err)
	return b
}

func stateFrom(t *testing.T, consentURL string) string {
	t.Helper()
	u, err := url.Parse(consentURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestBroker_AuthorizeAndRefresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	b := newTestBroker(t, g, clock, nil)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	state := stateFrom(t, consent)
	require.NotEmpty(t, state)

	userID, err := b.CompleteAuthorization(ctx, "validCode", state)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
	require.Equal(t, 1, g.total())

	tok, err := b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)
	require.Equal(t, "A1", tok.AccessToken)
	require.True(t, tok.Expiry.Equal(clock.Now().Add(3600*time.Second)))
	require.Equal(t, SourceUser, TokenSourceOf(tok))
	require.Equal(t, 1, g.total())

	clock.Advance(3600 * time.Second)
	tok, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)
	require.Equal(t, "A2", tok.AccessToken)
	require.Equal(t, 1, g.count(GrantRefreshToken))

	// the state was single-use
	_, err = b.CompleteAuthorization(ctx, "validCode", state)
	require.ErrorIs(t, err, ErrReplayedState)
	require.Equal(t, 1, g.count(GrantAuthorizationCode))
}

func TestBroker_CompleteAuthorizationFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	b := newTestBroker(t, g, clock, nil)

	_, err := b.CompleteAuthorization(ctx, "validCode", "forged")
	require.ErrorIs(t, err, ErrExpiredOrUnknownState)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "", stateFrom(t, consent))
	require.ErrorIs(t, err, ErrMissingCode)

	consent, err = b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "stale", stateFrom(t, consent))
	require.ErrorIs(t, err, ErrInvalidGrant)

	consent, err = b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	clock.Advance(DefaultStateTTL)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.ErrorIs(t, err, ErrExpiredState)

	require.Equal(t, 1, g.count(GrantAuthorizationCode))
	st, err := b.Status(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.Connected)
}

func TestBroker_HandleCallback(t *testing.T) {
	ctx := context.Background()
	g := newFakeGoogle(t, googleFlow)
	b := newTestBroker(t, g, newFakeClock(), nil)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	state := stateFrom(t, consent)

	_, err = b.HandleCallback(ctx, url.Values{"error": {"access_denied"}, "state": {state}})
	var ce *ConsentError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "access_denied", ce.Code)
	require.Zero(t, g.total())

	// the denied state cannot be reused
	_, err = b.HandleCallback(ctx, url.Values{"code": {"validCode"}, "state": {state}})
	require.ErrorIs(t, err, ErrReplayedState)

	_, err = b.HandleCallback(ctx, url.Values{"code": {"validCode"}})
	require.ErrorIs(t, err, ErrInvalidState)

	consent, err = b.StartAuthorization(ctx, "u2", driveScopes)
	require.NoError(t, err)
	userID, err := b.HandleCallback(ctx, url.Values{"code": {"validCode"}, "state": {stateFrom(t, consent)}})
	require.NoError(t, err)
	require.Equal(t, "u2", userID)
}

func TestBroker_FallsBackToServiceAccount(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	sa := testCredential(t, pkcs8PEM(t), "")
	b := newTestBroker(t, g, clock, &sa)

	// never connected
	tok, err := b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)
	require.Equal(t, "SA-1", tok.AccessToken)
	require.Equal(t, SourceServiceAccount, TokenSourceOf(tok))

	// connected, then the refresh token is revoked
	consent, err := b.StartAuthorization(ctx, "u2", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)
	g.setHandler(func(grant string, form url.Values) reply {
		if grant == GrantRefreshToken {
			return reply{status: http.StatusBadRequest, body: oauthError("invalid_grant")}
		}
		return googleFlow(grant, form)
	})
	clock.Advance(2 * time.Hour)

	tok, err = b.GetAccessToken(ctx, "u2", driveScopes)
	require.NoError(t, err)
	require.Equal(t, "SA-1", tok.AccessToken)
	require.Equal(t, SourceServiceAccount, TokenSourceOf(tok))

	st, err := b.Status(ctx, "u2")
	require.NoError(t, err)
	require.False(t, st.Connected)
	require.True(t, st.ServiceAccountAvailable)
}

func TestBroker_NoCredentialsAvailable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, func(grant string, form url.Values) reply {
		if grant == GrantRefreshToken {
			return reply{status: http.StatusBadRequest, body: oauthError("invalid_grant")}
		}
		return googleFlow(grant, form)
	})
	b := newTestBroker(t, g, clock, nil)

	_, err := b.GetAccessToken(ctx, "u1", driveScopes)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
	require.Equal(t, 1, g.count(GrantRefreshToken))

	// the record is gone, so no further refresh is attempted
	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
	require.Equal(t, 1, g.count(GrantRefreshToken))
}

func TestBroker_ServiceAccountFailureIsReported(t *testing.T) {
	g := newFakeGoogle(t, func(string, url.Values) reply {
		return reply{status: http.StatusUnauthorized, body: oauthError("unauthorized_client")}
	})
	sa := testCredential(t, pkcs8PEM(t), "")
	b := newTestBroker(t, g, newFakeClock(), &sa)

	_, err := b.GetAccessToken(context.Background(), "u1", driveScopes)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
	require.ErrorIs(t, err, ErrServiceAccountAuth)
}

func TestBroker_RetryableUserFailureDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	sa := testCredential(t, pkcs8PEM(t), "")
	b := newTestBroker(t, g, clock, &sa)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)

	g.setHandler(func(string, url.Values) reply {
		return reply{status: http.StatusServiceUnavailable, body: map[string]any{}}
	})
	clock.Advance(2 * time.Hour)

	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.False(t, errors.Is(err, ErrNoCredentialsAvailable))
	require.Zero(t, g.count(GrantJWTBearer))

	st, err := b.Status(ctx, "u1")
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.True(t, st.Expired)
}

func TestBroker_UncoveredScopesUseServiceAccount(t *testing.T) {
	ctx := context.Background()
	g := newFakeGoogle(t, func(grant string, form url.Values) reply {
		if grant == GrantAuthorizationCode {
			body := tokenBody("A1", 3600)
			body["refresh_token"] = "R1"
			body["scope"] = driveScopes[0]
			return reply{body: body}
		}
		return googleFlow(grant, form)
	})
	sa := testCredential(t, pkcs8PEM(t), "")
	b := newTestBroker(t, g, newFakeClock(), &sa)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes[:1])
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)

	tok, err := b.GetAccessToken(ctx, "u1", driveScopes[:1])
	require.NoError(t, err)
	require.Equal(t, SourceUser, TokenSourceOf(tok))

	tok, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)
	require.Equal(t, SourceServiceAccount, TokenSourceOf(tok))
}

func TestBroker_DisconnectAndStatus(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	b := newTestBroker(t, g, clock, nil)

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)

	st, err := b.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.False(t, st.Expired)
	assert.True(t, st.Refreshable)
	assert.False(t, st.ServiceAccountAvailable)
	require.NotNil(t, st.ExpiresAt)
	assert.True(t, st.ExpiresAt.Equal(clock.Now().Add(time.Hour)))

	require.NoError(t, b.Disconnect(ctx, "u1"))
	require.Equal(t, 1, g.count("revoke"))
	require.Equal(t, "A1", g.lastForm().Get("token"))

	st, err = b.Status(ctx, "u1")
	require.NoError(t, err)
	require.False(t, st.Connected)
	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.ErrorIs(t, err, ErrNoCredentialsAvailable)
}

func TestBroker_TokenSource(t *testing.T) {
	g := newFakeGoogle(t, googleFlow)
	sa := testCredential(t, pkcs8PEM(t), "")
	b := newTestBroker(t, g, newFakeClock(), &sa)

	tok, err := b.TokenSource(context.Background(), "u1", driveScopes).Token()
	require.NoError(t, err)
	require.Equal(t, "SA-1", tok.AccessToken)
	require.True(t, strings.EqualFold(tok.Type(), "Bearer"))
}

func TestBroker_Metrics(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := newFakeGoogle(t, googleFlow)
	m := NewMetrics(prometheus.NewRegistry())
	b := newTestBroker(t, g, clock, nil, WithMetrics(m))

	consent, err := b.StartAuthorization(ctx, "u1", driveScopes)
	require.NoError(t, err)
	_, err = b.CompleteAuthorization(ctx, "validCode", stateFrom(t, consent))
	require.NoError(t, err)
	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = b.GetAccessToken(ctx, "u1", driveScopes)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.states.WithLabelValues("issued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.states.WithLabelValues("consumed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.endpointCalls.WithLabelValues(GrantAuthorizationCode, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.endpointCalls.WithLabelValues(GrantRefreshToken, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("user", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("user", "miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokens.WithLabelValues(SourceUser)))
}

func TestNewFromSecrets_Errors(t *testing.T) {
	_, err := NewFromSecrets(context.Background(), staticSecrets{}, Repositories{})
	require.ErrorIs(t, err, ErrNotConfigured)

	boom := errors.New("vault sealed")
	_, err = NewFromSecrets(context.Background(), staticSecrets{err: boom}, Repositories{})
	require.ErrorIs(t, err, boom)
}
