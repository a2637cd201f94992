package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/example/drivecreds/internal/broker"
)

// FileRecords keeps every TokenRecord in one JSON document of the form
// {"<userId>": {"access_token": ..., "refresh_token": ..., "expires_at": ...}}.
// The whole document is rewritten on each change.
type FileRecords struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]broker.TokenRecord
}

// OpenFile loads path. A missing file starts empty; so does a malformed one,
// after logging, so a corrupted file only costs users a re-authorization.
func OpenFile(path string, logger *zap.Logger) (*FileRecords, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FileRecords{path: path, logger: logger, records: map[string]broker.TokenRecord{}}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return f, nil
	case err != nil:
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	var doc map[string]broker.TokenRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("token file is malformed, starting empty", zap.String("path", path), zap.Error(err))
		return f, nil
	}
	for userID, rec := range doc {
		rec.UserID = userID
		f.records[userID] = rec
	}
	return f, nil
}

func (f *FileRecords) Get(_ context.Context, userID string) (*broker.TokenRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileRecords) Put(_ context.Context, rec broker.TokenRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.records[rec.UserID]
	f.records[rec.UserID] = rec
	if err := f.flush(); err != nil {
		if had {
			f.records[rec.UserID] = prev
		} else {
			delete(f.records, rec.UserID)
		}
		return err
	}
	return nil
}

func (f *FileRecords) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.records[userID]
	if !had {
		return nil
	}
	delete(f.records, userID)
	if err := f.flush(); err != nil {
		f.records[userID] = prev
		return err
	}
	return nil
}

func (f *FileRecords) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func (f *FileRecords) Close() error { return nil }

// flush writes the document to a temp file and renames it over path.
// Callers hold f.mu.
func (f *FileRecords) flush() error {
	data, err := json.MarshalIndent(f.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
