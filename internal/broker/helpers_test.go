package broker

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type reply struct {
	status int
	body   any
	delay  time.Duration
}

// fakeGoogle serves /token and /revoke and records every request.
type fakeGoogle struct {
	srv *httptest.Server

	mu     sync.Mutex
	calls  map[string]int
	forms  []url.Values
	handle func(grant string, form url.Values) reply
}

func newFakeGoogle(t *testing.T, handle func(grant string, form url.Values) reply) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{calls: map[string]int{}, handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, "")
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, "revoke")
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGoogle) serve(w http.ResponseWriter, r *http.Request, grant string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if grant == "" {
		grant = r.PostForm.Get("grant_type")
	}
	g.mu.Lock()
	g.calls[grant]++
	g.forms = append(g.forms, r.PostForm)
	handle := g.handle
	g.mu.Unlock()

	rep := reply{status: http.StatusOK, body: map[string]any{}}
	if handle != nil {
		rep = handle(grant, r.PostForm)
	}
	if rep.delay > 0 {
		select {
		case <-time.After(rep.delay):
		case <-r.Context().Done():
			return
		}
	}
	if rep.status == 0 {
		rep.status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	_ = json.NewEncoder(w).Encode(rep.body)
}

func (g *fakeGoogle) setHandler(h func(grant string, form url.Values) reply) {
	g.mu.Lock()
	g.handle = h
	g.mu.Unlock()
}

func (g *fakeGoogle) count(grant string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[grant]
}

func (g *fakeGoogle) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

func (g *fakeGoogle) lastForm() url.Values {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.forms) == 0 {
		return nil
	}
	return g.forms[len(g.forms)-1]
}

func (g *fakeGoogle) tokenURL() string { return g.srv.URL + "/token" }

func (g *fakeGoogle) options(clock Clock) []Option {
	return []Option{
		WithClock(clock),
		WithHTTPClient(g.srv.Client()),
		WithEndpoint(oauth2.Endpoint{AuthURL: g.srv.URL + "/auth", TokenURL: g.tokenURL()}),
		WithRevokeURL(g.srv.URL + "/revoke"),
	}
}

func tokenBody(access string, expiresIn int) map[string]any {
	return map[string]any{"access_token": access, "expires_in": expiresIn, "token_type": "Bearer"}
}

func oauthError(code string) map[string]any {
	return map[string]any{"error": code, "error_description": code + " from test"}
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func pkcs8PEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey(t))
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func pkcs1PEM(t *testing.T) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey(t))}))
}

// escapedPEM renders the key the way it usually arrives through an env var.
func escapedPEM(t *testing.T) string {
	return strings.ReplaceAll(pkcs8PEM(t), "\n", `\n`)
}
