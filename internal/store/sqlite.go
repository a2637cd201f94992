package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/example/drivecreds/internal/broker"
)

// SQLiteRecords stores token records in a single SQLite table.
type SQLiteRecords struct {
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLiteRecords, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	s := &SQLiteRecords{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRecords) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS token_records (user_id TEXT PRIMARY KEY, access_token TEXT NOT NULL, refresh_token TEXT NOT NULL DEFAULT '', expires_at INTEGER NOT NULL, scope TEXT NOT NULL DEFAULT '', updated_at TEXT);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteRecords) Get(ctx context.Context, userID string) (*broker.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id,access_token,refresh_token,expires_at,scope FROM token_records WHERE user_id = ?`, userID)
	var r broker.TokenRecord
	if err := row.Scan(&r.UserID, &r.AccessToken, &r.RefreshToken, &r.ExpiresAt, &r.Scope); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteRecords) Put(ctx context.Context, rec broker.TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO token_records(user_id,access_token,refresh_token,expires_at,scope,updated_at) VALUES(?,?,?,?,?,datetime('now'))
		ON CONFLICT(user_id) DO UPDATE SET access_token=excluded.access_token, refresh_token=excluded.refresh_token, expires_at=excluded.expires_at, scope=excluded.scope, updated_at=excluded.updated_at`,
		rec.UserID, rec.AccessToken, rec.RefreshToken, rec.ExpiresAt, rec.Scope)
	return err
}

func (s *SQLiteRecords) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM token_records WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteRecords) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteRecords) Close() error                   { return s.db.Close() }
