package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authflow/store"
)

// PutChallenge upserts the (user, purpose) row. The conflict branch only
// fires once the cooldown since the previous request elapsed, whether that
// challenge is live, exhausted or expired.
func (s *Store) PutChallenge(ctx context.Context, ch store.EmailChallenge, cooldown time.Duration, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO email_challenges (user_id, purpose, code_digest, attempts, expires_at, last_requested_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		ON CONFLICT (user_id, purpose) DO UPDATE SET
			code_digest=EXCLUDED.code_digest, attempts=0,
			expires_at=EXCLUDED.expires_at, last_requested_at=EXCLUDED.last_requested_at
		WHERE email_challenges.last_requested_at <= $6`,
		ch.UserID, ch.Purpose, ch.CodeDigest[:], ch.ExpiresAt, now, now.Add(-cooldown),
	)
	if err != nil {
		return dbErr("CHALLENGE_PUT_FAILED", err, "user_id", ch.UserID, "purpose", ch.Purpose)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCooldown
	}
	return nil
}

// ConsumeChallenge evaluates the submitted digest under a row lock. Only a
// match deletes the challenge; exhausted and expired rows stay until Purge so
// their last_requested_at keeps throttling PutChallenge.
func (s *Store) ConsumeChallenge(ctx context.Context, req store.ConsumeRequest) (store.ChallengeOutcome, error) {
	outcome := store.ChallengeNotFound
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			code     []byte
			attempts int
			expires  time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT code_digest, attempts, expires_at FROM email_challenges
			WHERE user_id=$1 AND purpose=$2 FOR UPDATE`,
			req.UserID, req.Purpose,
		).Scan(&code, &attempts, &expires)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = store.ChallengeNotFound
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case attempts >= req.MaxAttempts:
			outcome = store.ChallengeAttemptsExceeded
			return nil
		case !req.Now.Before(expires):
			outcome = store.ChallengeNotFound
			return nil
		case toDigest(code) == req.CodeDigest:
			outcome = store.ChallengeVerified
			_, err := tx.Exec(ctx, `DELETE FROM email_challenges WHERE user_id=$1 AND purpose=$2`, req.UserID, req.Purpose)
			return err
		}

		outcome = store.ChallengeMismatch
		if attempts+1 >= req.MaxAttempts {
			outcome = store.ChallengeAttemptsExceeded
		}
		_, err = tx.Exec(ctx,
			`UPDATE email_challenges SET attempts=attempts+1 WHERE user_id=$1 AND purpose=$2`,
			req.UserID, req.Purpose,
		)
		return err
	})
	if err != nil {
		return store.ChallengeNotFound, dbErr("CHALLENGE_CONSUME_FAILED", err, "user_id", req.UserID)
	}
	return outcome, nil
}

func (s *Store) DeleteChallenge(ctx context.Context, userID, purpose string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_challenges WHERE user_id=$1 AND purpose=$2`, userID, purpose)
	return dbErr("CHALLENGE_DELETE_FAILED", err, "user_id", userID)
}
