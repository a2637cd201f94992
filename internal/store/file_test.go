package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/drivecreds/internal/broker"
)

func TestFileRecords(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "tokens.json"), nil)
	require.NoError(t, err)
	exerciseRecords(t, f)
	require.NoError(t, f.Ping(context.Background()))
}

func TestFileRecords_PersistsLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tokens.json")
	f, err := OpenFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, f.Put(context.Background(), broker.TokenRecord{UserID: "u1", AccessToken: "A1", RefreshToken: "R1", ExpiresAt: 1773478800000}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "A1", doc["u1"]["access_token"])
	require.Equal(t, "R1", doc["u1"]["refresh_token"])
	require.EqualValues(t, 1773478800000, doc["u1"]["expires_at"])
	_, hasUser := doc["u1"]["UserID"]
	require.False(t, hasUser)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := OpenFile(path, nil)
	require.NoError(t, err)
	rec, err := reopened.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "A1", rec.AccessToken)
}

func TestFileRecords_MalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	f, err := OpenFile(path, zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("token file is malformed, starting empty").Len())

	rec, err := f.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Nil(t, rec)

	// the next write replaces the broken document
	require.NoError(t, f.Put(context.Background(), broker.TokenRecord{UserID: "u1", AccessToken: "A1", ExpiresAt: 1}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, json.Valid(raw))
}
