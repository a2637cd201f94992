package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	grantRevoke            = "revoke"
)

const maxResponseBytes = 1 << 20

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenEndpoint posts form requests to an OAuth endpoint and classifies failures.
type tokenEndpoint struct {
	client  HTTPClient
	timeout time.Duration
	logger  *zap.Logger
	metrics *Metrics
}

// postToken sends a grant to tokenURL and decodes the token response.
func (e *tokenEndpoint) postToken(ctx context.Context, tokenURL, grant string, form url.Values) (*TokenResponse, error) {
	status, body, err := e.post(ctx, tokenURL, grant, form)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		xe := errorFromBody(grant, status, body)
		e.metrics.endpoint(shortGrant(grant), "rejected")
		e.logger.Warn("token endpoint rejected grant",
			zap.String("grant", shortGrant(grant)),
			zap.Int("status", status),
			zap.String("error", xe.Code))
		return nil, xe
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		e.metrics.endpoint(shortGrant(grant), "malformed")
		return nil, &ExchangeError{Grant: shortGrant(grant), Status: status, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		e.metrics.endpoint(shortGrant(grant), "malformed")
		return nil, &ExchangeError{Grant: shortGrant(grant), Status: status, Err: errors.New("token response missing access_token")}
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	e.metrics.endpoint(shortGrant(grant), "ok")
	return &tok, nil
}

// post performs the request under the endpoint timeout and returns status and body.
func (e *tokenEndpoint) post(ctx context.Context, endpoint, grant string, form url.Values) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, &ExchangeError{Grant: shortGrant(grant), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		timeout := isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		outcome := "transport_error"
		if timeout {
			outcome = "timeout"
		}
		e.metrics.endpoint(shortGrant(grant), outcome)
		e.logger.Warn("token endpoint unreachable", zap.String("grant", shortGrant(grant)), zap.Bool("timeout", timeout), zap.Error(err))
		return 0, nil, &ExchangeError{Grant: shortGrant(grant), Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		timeout := isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		e.metrics.endpoint(shortGrant(grant), "transport_error")
		return 0, nil, &ExchangeError{Grant: shortGrant(grant), Status: resp.StatusCode, Timeout: timeout, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

func errorFromBody(grant string, status int, body []byte) *ExchangeError {
	xe := &ExchangeError{Grant: shortGrant(grant), Status: status}
	var oe oauthErrorBody
	if err := json.Unmarshal(body, &oe); err == nil {
		xe.Code = oe.Error
		xe.Description = oe.ErrorDescription
	}
	return xe
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func shortGrant(grant string) string {
	if grant == GrantJWTBearer {
		return "jwt_bearer"
	}
	return grant
}
