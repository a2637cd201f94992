// Package apikey issues and verifies the API keys that backend callers
// present to the credential service. Only bcrypt hashes are configured.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Client is the caller a key belongs to.
type Client struct {
	ID     string
	Prefix string
}

// Generate returns a new random key.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Hash returns the bcrypt hash to configure for key.
func Hash(key string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	return string(hash), err
}

func Prefix(key string) string {
	if len(key) >= 8 {
		return key[:8]
	}
	return key
}

// Verifier checks keys against a fixed list of bcrypt hashes. Keys that
// verified once are remembered by digest so bcrypt runs once per key.
type Verifier struct {
	hashes []string

	mu       sync.RWMutex
	verified map[string]*Client
}

func NewVerifier(hashes []string) (*Verifier, error) {
	v := &Verifier{verified: map[string]*Client{}}
	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("API key hash #%d: %w", i+1, err)
		}
		v.hashes = append(v.hashes, h)
	}
	return v, nil
}

// Enabled reports whether any hash is configured.
func (v *Verifier) Enabled() bool { return v != nil && len(v.hashes) > 0 }

// Verify returns the client for key, or nil.
func (v *Verifier) Verify(key string) *Client {
	if key == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	v.mu.RLock()
	c, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return c
	}

	for i, h := range v.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			c = &Client{ID: fmt.Sprintf("client-%d", i+1), Prefix: Prefix(key)}
			v.mu.Lock()
			v.verified[digest] = c
			v.mu.Unlock()
			return c
		}
	}
	return nil
}
