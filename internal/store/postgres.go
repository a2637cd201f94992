package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/drivecreds/internal/broker"
)

// PostgresRecords stores token records in PostgreSQL. The schema is owned by
// the migrations directory; see ApplyMigrations.
type PostgresRecords struct {
	db  *sql.DB
	dsn string
}

func OpenPostgres(dsn string) (*PostgresRecords, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresRecords{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresRecords) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func (p *PostgresRecords) Get(ctx context.Context, userID string) (*broker.TokenRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT user_id,access_token,refresh_token,expires_at,scope FROM token_records WHERE user_id = $1`, userID)
	var r broker.TokenRecord
	if err := row.Scan(&r.UserID, &r.AccessToken, &r.RefreshToken, &r.ExpiresAt, &r.Scope); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (p *PostgresRecords) Put(ctx context.Context, rec broker.TokenRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO token_records(user_id,access_token,refresh_token,expires_at,scope,updated_at) VALUES($1,$2,$3,$4,$5,now())
		ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, expires_at = EXCLUDED.expires_at, scope = EXCLUDED.scope, updated_at = now()`,
		rec.UserID, rec.AccessToken, rec.RefreshToken, rec.ExpiresAt, rec.Scope)
	return err
}

func (p *PostgresRecords) Delete(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM token_records WHERE user_id = $1`, userID)
	return err
}

func (p *PostgresRecords) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresRecords) Close() error                   { return p.db.Close() }
