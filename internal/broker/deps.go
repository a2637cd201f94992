package broker

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// RandomSource provides randomness for state tokens and signatures.
type RandomSource = io.Reader

// DefaultRandom is crypto/rand.
var DefaultRandom RandomSource = rand.Reader

// HTTPClient is the subset of *http.Client used to reach Google.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientCredentials identify the OAuth client registered with Google.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// SecretStore supplies client credentials and the service-account key at startup.
type SecretStore interface {
	ClientCredentials(ctx context.Context) (ClientCredentials, error)
	// ServiceAccount returns nil, nil when no service account is configured.
	ServiceAccount(ctx context.Context) (*ServiceAccountCredential, error)
}
