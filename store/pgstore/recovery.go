package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authflow/store"
)

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []store.RecoveryCode) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id=$1`, userID); err != nil {
			return err
		}
		for _, c := range codes {
			if _, err := tx.Exec(ctx,
				`INSERT INTO recovery_codes (user_id, code_digest, used, used_at, expires_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				userID, c.CodeDigest[:], c.Used, nullTime(c.UsedAt), nullTime(c.ExpiresAt), c.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return dbErr("RECOVERY_REPLACE_FAILED", err, "user_id", userID)
}

// ConsumeRecoveryCode flips the used flag with a conditional UPDATE and only
// reads the row back to classify a refusal.
func (s *Store) ConsumeRecoveryCode(ctx context.Context, userID string, digest store.Digest, now time.Time) (store.RecoveryOutcome, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE recovery_codes SET used=true, used_at=$3
		WHERE user_id=$1 AND code_digest=$2 AND used=false AND (expires_at IS NULL OR expires_at > $3)`,
		userID, digest[:], now,
	)
	if err != nil {
		return store.RecoveryNotFound, dbErr("RECOVERY_CONSUME_FAILED", err, "user_id", userID)
	}
	if tag.RowsAffected() == 1 {
		return store.RecoveryConsumed, nil
	}

	var (
		used    bool
		expires *time.Time
	)
	err = s.pool.QueryRow(ctx,
		`SELECT used, expires_at FROM recovery_codes WHERE user_id=$1 AND code_digest=$2`,
		userID, digest[:],
	).Scan(&used, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RecoveryNotFound, nil
	}
	if err != nil {
		return store.RecoveryNotFound, dbErr("RECOVERY_CONSUME_FAILED", err, "user_id", userID)
	}
	if used {
		return store.RecoveryAlreadyUsed, nil
	}
	return store.RecoveryExpired, nil
}

func (s *Store) ListRecoveryCodes(ctx context.Context, userID string) ([]store.RecoveryCode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code_digest, used, used_at, expires_at, created_at FROM recovery_codes
		WHERE user_id=$1 ORDER BY code_digest`,
		userID,
	)
	if err != nil {
		return nil, dbErr("RECOVERY_LIST_FAILED", err, "user_id", userID)
	}
	defer rows.Close()

	var out []store.RecoveryCode
	for rows.Next() {
		var (
			digest          []byte
			usedAt, expires *time.Time
			c               = store.RecoveryCode{UserID: userID}
		)
		if err := rows.Scan(&digest, &c.Used, &usedAt, &expires, &c.CreatedAt); err != nil {
			return nil, dbErr("RECOVERY_LIST_FAILED", err, "user_id", userID)
		}
		c.CodeDigest = toDigest(digest)
		c.UsedAt = fromNullTime(usedAt)
		c.ExpiresAt = fromNullTime(expires)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("RECOVERY_LIST_FAILED", err, "user_id", userID)
	}
	return out, nil
}

func (s *Store) DeleteRecoveryCodes(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id=$1`, userID)
	if err != nil {
		return 0, dbErr("RECOVERY_DELETE_FAILED", err, "user_id", userID)
	}
	return int(tag.RowsAffected()), nil
}
