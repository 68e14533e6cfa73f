package idempotency

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	s, err := New(db, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s
}

func TestKey_CanonicalizesFieldOrder(t *testing.T) {
	a, err := Key("u1", "submit", []byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Key("u1", "submit", []byte(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "field order and whitespace must not change the key")

	c, err := Key("u1", "submit", []byte(`{"a":1,"b":3}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestKey_VariesByUserAndStep(t *testing.T) {
	body := []byte(`{"x":1}`)
	a, err := Key("u1", "submit", body)
	require.NoError(t, err)
	b, err := Key("u2", "submit", body)
	require.NoError(t, err)
	c, err := Key("u1", "invoke", body)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKey_InvalidJSON(t *testing.T) {
	_, err := Key("u1", "submit", []byte(`{broken`))
	assert.Error(t, err)
}

func TestObserve_FirstSightThenReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Observe(ctx, "k1", "u1", "submit", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.Observe(ctx, "k1", "u1", "submit", time.Minute)
	require.NoError(t, err)
	assert.False(t, again, "second observation within TTL is a replay")
}

func TestObserve_ExpiredEntryCountsAsFirstSight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	first, err := s.Observe(ctx, "k1", "u1", "submit", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	now = now.Add(2 * time.Minute)
	fresh, err := s.Observe(ctx, "k1", "u1", "submit", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "expired key is observable again")

	replay, err := s.Observe(ctx, "k1", "u1", "submit", time.Minute)
	require.NoError(t, err)
	assert.False(t, replay, "refresh restarts the window")
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	_, err := s.Observe(ctx, "old", "u1", "submit", time.Minute)
	require.NoError(t, err)
	_, err = s.Observe(ctx, "fresh", "u1", "submit", time.Hour)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	replay, err := s.Observe(ctx, "fresh", "u1", "submit", time.Hour)
	require.NoError(t, err)
	assert.False(t, replay, "unexpired entry survives the sweep")
}
