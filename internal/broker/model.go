package broker

import (
	"context"
	"sort"
	"strings"
	"time"
)

// StateToken is a one-time CSRF value round-tripped through the consent redirect.
type StateToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRecord is the delegated credential held for one user.
type TokenRecord struct {
	UserID       string `json:"-"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is epoch milliseconds.
	ExpiresAt int64  `json:"expires_at"`
	Scope     string `json:"scope,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (r *TokenRecord) Expiry() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// ValidAt reports whether the access token is usable at now with the given margin.
func (r *TokenRecord) ValidAt(now time.Time, margin time.Duration) bool {
	if r.AccessToken == "" {
		return false
	}
	return now.Add(margin).Before(r.Expiry())
}

// Covers reports whether the granted scope includes every required scope.
// A record without scope information is assumed to cover anything.
func (r *TokenRecord) Covers(required []string) bool {
	if strings.TrimSpace(r.Scope) == "" {
		return true
	}
	granted := make(map[string]struct{})
	for _, s := range strings.Fields(r.Scope) {
		granted[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// StateRepository persists state tokens.
type StateRepository interface {
	Put(ctx context.Context, st StateToken) error
	// Take atomically removes and returns the token. It returns nil, nil for an
	// unknown token and ErrReplayedState for one that was already taken.
	Take(ctx context.Context, token string) (*StateToken, error)
	// Sweep drops entries and tombstones that expired before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RecordRepository persists TokenRecords keyed by user id.
type RecordRepository interface {
	// Get returns nil, nil when the user has no record.
	Get(ctx context.Context, userID string) (*TokenRecord, error)
	Put(ctx context.Context, rec TokenRecord) error
	Delete(ctx context.Context, userID string) error
}

// ScopeKey returns the canonical form of a scope set: sorted, de-duplicated
// and space-joined.
func ScopeKey(scopes []string) string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
