// Package store holds the persistent repositories behind the credential
// broker: token records in a JSON file, SQLite, PostgreSQL or Redis, and
// state tokens in Redis for deployments running more than one instance.
package store

import (
	"context"

	"github.com/example/drivecreds/internal/broker"
)

// Adapter is a record repository with a lifecycle.
type Adapter interface {
	broker.RecordRepository
	Ping(ctx context.Context) error
	Close() error
}

// Memory adapts the broker's in-process repository to Adapter.
type Memory struct {
	*broker.MemoryRecords
}

func NewMemory() *Memory { return &Memory{MemoryRecords: broker.NewMemoryRecords()} }

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

var (
	_ Adapter = (*Memory)(nil)
	_ Adapter = (*FileRecords)(nil)
	_ Adapter = (*SQLiteRecords)(nil)
	_ Adapter = (*PostgresRecords)(nil)
	_ Adapter = (*RedisRecords)(nil)

	_ broker.StateRepository = (*RedisStates)(nil)
)
