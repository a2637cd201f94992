package broker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Google endpoints.
const (
	GoogleAuthURL   = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL  = "https://oauth2.googleapis.com/token"
	GoogleRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// Defaults.
const (
	DefaultStateTTL      = 10 * time.Minute
	DefaultSafetyMargin  = 60 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultSweepInterval = time.Minute
	// AssertionLifetime is the longest assertion Google accepts.
	AssertionLifetime = time.Hour
)

// GoogleEndpoint is the default authorization server.
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   GoogleAuthURL,
	TokenURL:  GoogleTokenURL,
	AuthStyle: oauth2.AuthStyleInParams,
}

type settings struct {
	clock     Clock
	random    RandomSource
	client    HTTPClient
	logger    *zap.Logger
	metrics   *Metrics
	timeout   time.Duration
	margin    time.Duration
	stateTTL  time.Duration
	endpoint  oauth2.Endpoint
	revokeURL string
}

// Option configures broker components. The same options are accepted by every
// constructor in this package; each component reads the fields it needs.
type Option func(*settings)

func newSettings(opts []Option) settings {
	s := settings{
		clock:     SystemClock,
		random:    DefaultRandom,
		logger:    zap.NewNop(),
		timeout:   DefaultTimeout,
		margin:    DefaultSafetyMargin,
		stateTTL:  DefaultStateTTL,
		endpoint:  GoogleEndpoint,
		revokeURL: GoogleRevokeURL,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.timeout}
	}
	if s.stateTTL <= 0 || s.stateTTL > DefaultStateTTL {
		s.stateTTL = DefaultStateTTL
	}
	return s
}

func WithClock(c Clock) Option { return func(s *settings) { s.clock = c } }

func WithRandom(r RandomSource) Option { return func(s *settings) { s.random = r } }

func WithHTTPClient(c HTTPClient) Option { return func(s *settings) { s.client = c } }

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option { return func(s *settings) { s.metrics = m } }

// WithTimeout bounds every call to the token and revocation endpoints.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSafetyMargin sets how long before expiry a cached token is considered stale.
func WithSafetyMargin(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithStateTTL sets the state token lifetime; values above ten minutes are capped.
func WithStateTTL(d time.Duration) Option { return func(s *settings) { s.stateTTL = d } }

func WithEndpoint(e oauth2.Endpoint) Option {
	return func(s *settings) {
		if e.AuthURL != "" {
			s.endpoint.AuthURL = e.AuthURL
		}
		if e.TokenURL != "" {
			s.endpoint.TokenURL = e.TokenURL
		}
	}
}

func WithRevokeURL(u string) Option {
	return func(s *settings) {
		if u != "" {
			s.revokeURL = u
		}
	}
}
