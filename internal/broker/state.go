package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const stateBytes = 32

// StateTokenStore issues and redeems one-time state tokens.
type StateTokenStore struct {
	repo    StateRepository
	clock   Clock
	random  RandomSource
	ttl     time.Duration
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	lastSweep time.Time
}

// NewStateTokenStore wraps repo; a nil repo selects the in-memory repository.
func NewStateTokenStore(repo StateRepository, opts ...Option) *StateTokenStore {
	s := newSettings(opts)
	if repo == nil {
		repo = NewMemoryStates()
	}
	return &StateTokenStore{
		repo:    repo,
		clock:   s.clock,
		random:  s.random,
		ttl:     s.stateTTL,
		logger:  s.logger,
		metrics: s.metrics,
	}
}

// Issue creates a state token bound to userID.
func (s *StateTokenStore) Issue(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue state: empty user id")
	}
	b := make([]byte, stateBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	now := s.clock.Now()
	st := StateToken{
		Token:     base64.RawURLEncoding.EncodeToString(b),
		UserID:    userID,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.repo.Put(ctx, st); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	s.metrics.state("issued")
	s.maybeSweep(ctx, now)
	return st.Token, nil
}

// Consume redeems token and returns the user it was issued for. Every failure
// matches ErrExpiredOrUnknownState.
func (s *StateTokenStore) Consume(ctx context.Context, token string) (string, error) {
	if !wellFormedState(token) {
		s.metrics.state("invalid")
		return "", ErrInvalidState
	}
	st, err := s.repo.Take(ctx, token)
	if err != nil {
		if errors.Is(err, ErrReplayedState) {
			s.metrics.state("replayed")
			s.logger.Warn("state token replayed")
			return "", ErrReplayedState
		}
		return "", fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		s.metrics.state("invalid")
		return "", ErrInvalidState
	}
	if !s.clock.Now().Before(st.ExpiresAt) {
		s.metrics.state("expired")
		return "", ErrExpiredState
	}
	s.metrics.state("consumed")
	return st.UserID, nil
}

// Sweep removes expired tokens.
func (s *StateTokenStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastSweep = now
	s.mu.Unlock()
	return s.repo.Sweep(ctx, now)
}

// Run sweeps every interval until ctx is done.
func (s *StateTokenStore) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultSweepInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("state sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("swept expired state tokens", zap.Int("count", n))
			}
		}
	}
}

func (s *StateTokenStore) maybeSweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := now.Sub(s.lastSweep) >= DefaultSweepInterval
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.repo.Sweep(ctx, now); err != nil {
		s.logger.Warn("state sweep failed", zap.Error(err))
	}
}

func wellFormedState(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(stateBytes) {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(b) == stateBytes
}
