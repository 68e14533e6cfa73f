// Package idempotency deduplicates inbound work items. A key is derived from
// the caller identity, the pipeline step, and the canonicalized request body;
// the first observation within the TTL wins and every later one is a replay.
// Callers must treat a storage error the same as a replay (fail closed), since
// admitting a possibly-duplicate task is worse than dropping a retry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const timeFormat = "2006-01-02 15:04:05.000"

// Store records observed keys in sqlite, sharing the ledger's database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates the dedup table if needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger, now: time.Now}
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS admission_dedup (
			dedup_key TEXT PRIMARY KEY,
			user_key TEXT NOT NULL,
			step TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dedup_expiry ON admission_dedup(expires_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("init dedup schema: %w", err)
	}
	return s, nil
}

// Key derives the dedup key: sha256 over the caller identity, the step name,
// and the canonical (key-sorted) JSON encoding of the body. Two requests that
// differ only in JSON field order or whitespace produce the same key.
func Key(userKey, step string, body []byte) (string, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(userKey))
	h.Write([]byte{'|'})
	h.Write([]byte(step))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize re-encodes JSON through a generic value so object keys come
// out sorted. Empty bodies canonicalize to null.
func canonicalize(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Observe records key and reports whether this is its first sighting inside
// the TTL window. An expired entry is refreshed and counts as first sight.
func (s *Store) Observe(ctx context.Context, key, userKey, step string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO admission_dedup (dedup_key, user_key, step, first_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO UPDATE SET
			first_seen_at = excluded.first_seen_at,
			expires_at = excluded.expires_at
		WHERE admission_dedup.expires_at <= excluded.first_seen_at;
	`, key, userKey, step, now.Format(timeFormat), now.Add(ttl).Format(timeFormat))
	if err != nil {
		return false, fmt.Errorf("observe dedup key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected: %w", err)
	}
	return affected == 1, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM admission_dedup WHERE expires_at <= ?;
	`, s.now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("sweep dedup: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	if removed > 0 && s.logger != nil {
		s.logger.Debug("swept expired dedup entries", "removed", removed)
	}
	return removed, nil
}
