package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryStates is the default in-process StateRepository.
type MemoryStates struct {
	mu      sync.Mutex
	pending map[string]StateToken
	// used holds tombstones of consumed tokens until their original expiry.
	used map[string]time.Time
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{pending: map[string]StateToken{}, used: map[string]time.Time{}}
}

func (m *MemoryStates) Put(_ context.Context, st StateToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[st.Token] = st
	return nil
}

func (m *MemoryStates) Take(_ context.Context, token string) (*StateToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.used[token]; ok {
		return nil, ErrReplayedState
	}
	st, ok := m.pending[token]
	if !ok {
		return nil, nil
	}
	delete(m.pending, token)
	m.used[token] = st.ExpiresAt
	return &st, nil
}

func (m *MemoryStates) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, st := range m.pending {
		if !now.Before(st.ExpiresAt) {
			delete(m.pending, k)
			n++
		}
	}
	for k, exp := range m.used {
		if !now.Before(exp) {
			delete(m.used, k)
		}
	}
	return n, nil
}

// Len returns the number of pending tokens.
func (m *MemoryStates) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MemoryRecords is the default in-process RecordRepository.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]TokenRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: map[string]TokenRecord{}}
}

func (m *MemoryRecords) Get(_ context.Context, userID string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryRecords) Put(_ context.Context, rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec
	return nil
}

func (m *MemoryRecords) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}
