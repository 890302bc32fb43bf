package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authflow/store"
)

// AddToBlacklist inserts the entry unless a live one exists. An expired row
// for the same digest is overwritten.
func (s *Store) AddToBlacklist(ctx context.Context, entry store.BlacklistEntry, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO token_blacklist (token_digest, reason, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (token_digest) DO UPDATE SET reason=EXCLUDED.reason, expires_at=EXCLUDED.expires_at
		WHERE token_blacklist.expires_at <= $4`,
		entry.Digest[:], entry.Reason, entry.ExpiresAt, now,
	)
	if err != nil {
		return false, dbErr("BLACKLIST_ADD_FAILED", err, "reason", entry.Reason)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, digest store.Digest, now time.Time) (bool, error) {
	var listed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE token_digest=$1 AND expires_at > $2)`,
		digest[:], now,
	).Scan(&listed)
	if err != nil {
		return false, dbErr("BLACKLIST_LOOKUP_FAILED", err)
	}
	return listed, nil
}

// IncrementAttempts starts a new window when the previous one has lapsed.
func (s *Store) IncrementAttempts(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO attempt_counters (key, count, expires_at) VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN attempt_counters.expires_at <= $3 THEN 1 ELSE attempt_counters.count + 1 END,
			expires_at = CASE WHEN attempt_counters.expires_at <= $3 THEN EXCLUDED.expires_at ELSE attempt_counters.expires_at END
		RETURNING count`,
		key, now.Add(window), now,
	).Scan(&n)
	if err != nil {
		return 0, dbErr("ATTEMPTS_INCREMENT_FAILED", err, "key", key)
	}
	return n, nil
}

func (s *Store) Attempts(ctx context.Context, key string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM attempt_counters WHERE key=$1 AND expires_at > $2`, key, now,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dbErr("ATTEMPTS_GET_FAILED", err, "key", key)
	}
	return n, nil
}

func (s *Store) ResetAttempts(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM attempt_counters WHERE key=$1`, key)
	return dbErr("ATTEMPTS_RESET_FAILED", err, "key", key)
}

// Purge removes rows whose natural expiry has passed. Token records are
// kept until their refresh expiry so reuse can still be detected.
func (s *Store) Purge(ctx context.Context, now time.Time) (store.PurgeStats, error) {
	var stats store.PurgeStats
	steps := []struct {
		sql string
		n   *int
	}{
		{`DELETE FROM token_blacklist WHERE expires_at <= $1`, &stats.Blacklist},
		{`DELETE FROM token_records WHERE refresh_expires_at <= $1`, &stats.TokenRecords},
		{`DELETE FROM email_challenges WHERE expires_at <= $1`, &stats.Challenges},
		{`DELETE FROM attempt_counters WHERE expires_at <= $1`, &stats.Attempts},
	}
	for _, step := range steps {
		tag, err := s.pool.Exec(ctx, step.sql, now)
		if err != nil {
			return stats, dbErr("PURGE_FAILED", err)
		}
		*step.n = int(tag.RowsAffected())
	}
	return stats, nil
}
