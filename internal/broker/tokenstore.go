package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Refresher renews and revokes delegated tokens. *Exchanger implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	Revoke(ctx context.Context, token string) error
}

// TokenStore owns every user's TokenRecord and refreshes them lazily.
type TokenStore struct {
	repo      RecordRepository
	refresher Refresher
	clock     Clock
	margin    time.Duration
	logger    *zap.Logger
	metrics   *Metrics
	group     singleflight.Group
	locks     userLocks
}

// userLocks serializes writes to one user's record. Network calls are made
// outside of it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*userLock{}
	}
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// sameGrant reports whether cur is still the record a refresh started from.
func sameGrant(cur, prev *TokenRecord) bool {
	return cur != nil && prev != nil &&
		cur.AccessToken == prev.AccessToken &&
		cur.RefreshToken == prev.RefreshToken &&
		cur.ExpiresAt == prev.ExpiresAt
}

// NewTokenStore wraps repo; a nil repo selects the in-memory repository.
func NewTokenStore(repo RecordRepository, refresher Refresher, opts ...Option) *TokenStore {
	s := newSettings(opts)
	if repo == nil {
		repo = NewMemoryRecords()
	}
	return &TokenStore{
		repo:      repo,
		refresher: refresher,
		clock:     s.clock,
		margin:    s.margin,
		logger:    s.logger,
		metrics:   s.metrics,
	}
}

// Save stores the result of a code exchange for userID.
func (s *TokenStore) Save(ctx context.Context, userID string, resp *TokenResponse) (*TokenRecord, error) {
	if resp == nil || resp.AccessToken == "" {
		return nil, errors.New("save token: empty token response")
	}
	rec := TokenRecord{
		UserID:       userID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    s.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
		Scope:        resp.Scope,
	}
	unlock := s.locks.lock(userID)
	defer unlock()
	if rec.RefreshToken == "" {
		// Google omits the refresh token when consent was granted before.
		prev, err := s.repo.Get(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load token record: %w", err)
		}
		if prev != nil {
			rec.RefreshToken = prev.RefreshToken
		}
	}
	if err := s.repo.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store token record: %w", err)
	}
	return &rec, nil
}

// Lookup returns the stored record or nil.
func (s *TokenStore) Lookup(ctx context.Context, userID string) (*TokenRecord, error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	return rec, nil
}

// GetValidAccessToken returns a usable access token for userID, refreshing it
// when it is within the safety margin of expiry. Concurrent callers for the
// same user share one refresh. ErrNoValidToken means the user must
// re-authorize; any other error leaves the stored record untouched.
func (s *TokenStore) GetValidAccessToken(ctx context.Context, userID string) (*TokenRecord, error) {
	rec, err := s.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoValidToken
	}
	if rec.ValidAt(s.clock.Now(), s.margin) {
		s.metrics.cache("user", true)
		return rec, nil
	}
	s.metrics.cache("user", false)

	v, err, _ := s.group.Do(userID, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), userID)
	})
	if err != nil {
		return nil, err
	}
	out := v.(TokenRecord)
	return &out, nil
}

func (s *TokenStore) refresh(ctx context.Context, userID string) (TokenRecord, error) {
	rec, err := s.Lookup(ctx, userID)
	if err != nil {
		return TokenRecord{}, err
	}
	if rec == nil {
		return TokenRecord{}, ErrNoValidToken
	}
	if rec.ValidAt(s.clock.Now(), s.margin) {
		return *rec, nil
	}
	log := s.logger.With(zap.String("user_id", userID))
	if rec.RefreshToken == "" || s.refresher == nil {
		return s.drop(ctx, log, userID, rec, ErrNoValidToken, "token expired without refresh token, dropping record")
	}

	resp, err := s.refresher.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			return s.drop(ctx, log, userID, rec, fmt.Errorf("%w: %w", ErrNoValidToken, err),
				"refresh token rejected, user must re-authorize", zap.Error(err))
		}
		log.Warn("refresh failed, keeping record", zap.Bool("retryable", IsRetryable(err)), zap.Error(err))
		return TokenRecord{}, err
	}

	next := *rec
	next.AccessToken = resp.AccessToken
	next.ExpiresAt = s.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.Scope != "" {
		next.Scope = resp.Scope
	}

	unlock := s.locks.lock(userID)
	defer unlock()
	cur, err := s.Lookup(ctx, userID)
	if err != nil {
		return TokenRecord{}, err
	}
	if cur == nil {
		log.Info("record removed during refresh, discarding refreshed token")
		return TokenRecord{}, ErrNoValidToken
	}
	if !sameGrant(cur, rec) {
		log.Info("record replaced during refresh, keeping the newer one")
		return *cur, nil
	}
	if err := s.repo.Put(ctx, next); err != nil {
		return TokenRecord{}, fmt.Errorf("store token record: %w", err)
	}
	log.Debug("refreshed access token", zap.Time("expires_at", next.Expiry()))
	return next, nil
}

// drop deletes rec unless it was replaced meanwhile, in which case the newer
// record is returned instead of cause.
func (s *TokenStore) drop(ctx context.Context, log *zap.Logger, userID string, rec *TokenRecord, cause error, msg string, fields ...zap.Field) (TokenRecord, error) {
	unlock := s.locks.lock(userID)
	defer unlock()
	cur, err := s.Lookup(ctx, userID)
	if err != nil {
		return TokenRecord{}, err
	}
	if cur != nil && !sameGrant(cur, rec) {
		return *cur, nil
	}
	log.Warn(msg, fields...)
	if cur != nil {
		if err := s.repo.Delete(ctx, userID); err != nil {
			return TokenRecord{}, fmt.Errorf("delete token record: %w", err)
		}
	}
	return TokenRecord{}, cause
}

// Remove deletes the user's record and revokes its access token at the
// provider on a best effort basis.
func (s *TokenStore) Remove(ctx context.Context, userID string) error {
	unlock := s.locks.lock(userID)
	rec, err := s.Lookup(ctx, userID)
	if err == nil && rec != nil {
		if derr := s.repo.Delete(ctx, userID); derr != nil {
			err = fmt.Errorf("delete token record: %w", derr)
		}
	}
	unlock()
	if err != nil || rec == nil {
		return err
	}
	if s.refresher == nil {
		return nil
	}
	token := rec.AccessToken
	if token == "" {
		token = rec.RefreshToken
	}
	if err := s.refresher.Revoke(ctx, token); err != nil {
		s.logger.Warn("token revocation failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}
