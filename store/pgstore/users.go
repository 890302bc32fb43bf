package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authflow/store"
)

const userColumns = `id, email, password_hash, email_verified, totp_enabled, totp_secret,
	totp_last_counter, email_mfa_enabled, token_version, failed_sign_ins, locked_until,
	created_at, updated_at`

func scanUser(row pgx.Row) (store.User, error) {
	var (
		u      store.User
		locked *time.Time
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.TOTPEnabled, &u.TOTPSecret,
		&u.TOTPLastCounter, &u.EmailMFAEnabled, &u.TokenVersion, &u.FailedSignIns, &locked,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	u.LockedUntil = fromNullTime(locked)
	return u, nil
}

// CreateUser inserts a row with token version 1. A taken email is ErrConflict.
func (s *Store) CreateUser(ctx context.Context, nu store.NewUser) (store.User, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, password_hash, email_verified, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$5)`,
		nu.ID, nu.Email, nu.PasswordHash, nu.EmailVerified, nu.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.User{}, store.ErrConflict
		}
		return store.User{}, dbErr("USER_CREATE_FAILED", err, "user_id", nu.ID)
	}
	return store.User{
		ID:            nu.ID,
		Email:         nu.Email,
		PasswordHash:  nu.PasswordHash,
		EmailVerified: nu.EmailVerified,
		TokenVersion:  1,
		CreatedAt:     nu.CreatedAt,
		UpdatedAt:     nu.CreatedAt,
	}, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	return u, dbErr("USER_GET_FAILED", err, "user_id", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	return u, dbErr("USER_GET_FAILED", err)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET password_hash=$2, token_version=token_version+1, failed_sign_ins=0,
			locked_until=NULL, updated_at=$3 WHERE id=$1 RETURNING `+userColumns,
		id, hash, now,
	))
	return u, dbErr("USER_UPDATE_FAILED", err, "user_id", id)
}

func (s *Store) BumpTokenVersion(ctx context.Context, id string, now time.Time) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET token_version=token_version+1, updated_at=$2 WHERE id=$1 RETURNING `+userColumns,
		id, now,
	))
	return u, dbErr("USER_UPDATE_FAILED", err, "user_id", id)
}

// RecordSignInFailure is a single UPDATE so concurrent failures never lose
// an increment. An expired lock is cleared before counting.
func (s *Store) RecordSignInFailure(ctx context.Context, id string, policy store.LockoutPolicy, now time.Time) (store.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET
			failed_sign_ins = CASE WHEN $2 > 0 AND failed_sign_ins + 1 >= $2 THEN 0 ELSE failed_sign_ins + 1 END,
			locked_until = CASE
				WHEN $2 > 0 AND failed_sign_ins + 1 >= $2 THEN $4::timestamptz
				WHEN locked_until IS NOT NULL AND locked_until <= $3 THEN NULL
				ELSE locked_until END,
			updated_at = $3
		WHERE id=$1 RETURNING `+userColumns,
		id, policy.Threshold, now, now.Add(policy.Duration),
	))
	return u, dbErr("USER_LOCKOUT_FAILED", err, "user_id", id)
}

func (s *Store) ResetSignInFailures(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET failed_sign_ins=0, locked_until=NULL, updated_at=$2 WHERE id=$1`,
		id, now,
	)
	if err != nil {
		return dbErr("USER_UPDATE_FAILED", err, "user_id", id)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetPendingTOTPSecret(ctx context.Context, id string, secret []byte, now time.Time) error {
	_, err := s.updateUser(ctx, id, func(u *store.User) error {
		if u.TOTPEnabled {
			return store.ErrConflict
		}
		u.TOTPSecret = append([]byte(nil), secret...)
		u.UpdatedAt = now
		return nil
	})
	return err
}

func (s *Store) EnableMFA(ctx context.Context, id string, method store.Method, now time.Time) (store.User, bool, error) {
	var first bool
	u, err := s.updateUser(ctx, id, func(u *store.User) error {
		if u.MethodEnabled(method) {
			return store.ErrConflict
		}
		first = !u.MFAEnabled()
		switch method {
		case store.MethodTOTP:
			if len(u.TOTPSecret) == 0 {
				return store.ErrNoPendingSecret
			}
			u.TOTPEnabled = true
		case store.MethodEmail:
			u.EmailMFAEnabled = true
			u.EmailVerified = true
		default:
			return store.ErrConflict
		}
		u.UpdatedAt = now
		return nil
	})
	return u, first, err
}

func (s *Store) DisableMFA(ctx context.Context, id string, method store.Method, now time.Time) (store.User, bool, error) {
	var last bool
	u, err := s.updateUser(ctx, id, func(u *store.User) error {
		if !u.MethodEnabled(method) {
			return store.ErrConflict
		}
		switch method {
		case store.MethodTOTP:
			u.TOTPEnabled = false
			u.TOTPSecret = nil
			u.TOTPLastCounter = 0
		case store.MethodEmail:
			u.EmailMFAEnabled = false
		}
		u.TokenVersion++
		u.UpdatedAt = now
		last = !u.MFAEnabled()
		return nil
	})
	return u, last, err
}

// AdvanceTOTPCounter is a conditional UPDATE; zero affected rows means the
// step was already used (or the user is gone).
func (s *Store) AdvanceTOTPCounter(ctx context.Context, id string, counter int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET totp_last_counter=$2 WHERE id=$1 AND totp_last_counter < $2`,
		id, counter,
	)
	if err != nil {
		return false, dbErr("TOTP_COUNTER_FAILED", err, "user_id", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET email_verified=true, updated_at=$2 WHERE id=$1`,
		id, now,
	)
	if err != nil {
		return dbErr("USER_UPDATE_FAILED", err, "user_id", id)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// updateUser locks the row, applies fn and writes every mutable column back.
func (s *Store) updateUser(ctx context.Context, id string, fn func(*store.User) error) (store.User, error) {
	var out store.User
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET email_verified=$2, totp_enabled=$3, totp_secret=$4, totp_last_counter=$5,
				email_mfa_enabled=$6, token_version=$7, updated_at=$8 WHERE id=$1`,
			u.ID, u.EmailVerified, u.TOTPEnabled, u.TOTPSecret, u.TOTPLastCounter,
			u.EmailMFAEnabled, u.TokenVersion, u.UpdatedAt,
		)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return store.User{}, dbErr("USER_UPDATE_FAILED", err, "user_id", id)
	}
	return out, nil
}
