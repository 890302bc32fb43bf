package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/store"
)

const createUserScript = `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], unpack(ARGV, 2))
return 1
`

var createUserLua = redis.NewScript(createUserScript)

var errStaleCounter = errors.New("stale totp counter")

// CreateUser stores u. The email index is claimed atomically with the row.
func (s *Store) CreateUser(ctx context.Context, nu store.NewUser) (store.User, error) {
	u := store.User{
		ID:            nu.ID,
		Email:         nu.Email,
		PasswordHash:  nu.PasswordHash,
		EmailVerified: nu.EmailVerified,
		TokenVersion:  1,
		CreatedAt:     nu.CreatedAt,
		UpdatedAt:     nu.CreatedAt,
	}

	args := append([]interface{}{u.ID}, encodeUser(u)...)
	res, err := createUserLua.Run(ctx, s.redis, []string{s.emailKey(u.Email), s.userKey(u.ID)}, args...).Result()
	if err != nil {
		return store.User{}, wrapErr(err)
	}
	n, err := scriptInt(res)
	if err != nil {
		return store.User{}, err
	}
	if n == 0 {
		return store.User{}, store.ErrConflict
	}
	return u, nil
}

// GetUserByID loads a user row.
func (s *Store) GetUserByID(ctx context.Context, id string) (store.User, error) {
	fields, err := s.redis.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return store.User{}, wrapErr(err)
	}
	if len(fields) == 0 {
		return store.User{}, store.ErrNotFound
	}
	return decodeUser(fields), nil
}

// GetUserByEmail resolves the email index and loads the row.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	id, err := s.redis.Get(ctx, s.emailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.User{}, store.ErrNotFound
		}
		return store.User{}, wrapErr(err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) (store.User, error) {
	return s.updateUser(ctx, id, func(u *store.User) error {
		u.PasswordHash = hash
		u.TokenVersion++
		u.FailedSignIns = 0
		u.LockedUntil = time.Time{}
		u.UpdatedAt = now
		return nil
	})
}

func (s *Store) BumpTokenVersion(ctx context.Context, id string, now time.Time) (store.User, error) {
	return s.updateUser(ctx, id, func(u *store.User) error {
		u.TokenVersion++
		u.UpdatedAt = now
		return nil
	})
}

func (s *Store) RecordSignInFailure(ctx context.Context, id string, policy store.LockoutPolicy, now time.Time) (store.User, error) {
	return s.updateUser(ctx, id, func(u *store.User) error {
		if !u.LockedUntil.IsZero() && !now.Before(u.LockedUntil) {
			u.LockedUntil = time.Time{}
		}
		u.FailedSignIns++
		if policy.Threshold > 0 && u.FailedSignIns >= policy.Threshold {
			u.FailedSignIns = 0
			u.LockedUntil = now.Add(policy.Duration)
		}
		u.UpdatedAt = now
		return nil
	})
}

func (s *Store) ResetSignInFailures(ctx context.Context, id string, now time.Time) error {
	_, err := s.updateUser(ctx, id, func(u *store.User) error {
		u.FailedSignIns = 0
		u.LockedUntil = time.Time{}
		u.UpdatedAt = now
		return nil
	})
	return err
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

func (s *Store) AdvanceTOTPCounter(ctx context.Context, id string, counter int64) (bool, error) {
	_, err := s.updateUser(ctx, id, func(u *store.User) error {
		if counter <= u.TOTPLastCounter {
			return errStaleCounter
		}
		u.TOTPLastCounter = counter
		return nil
	})
	if errors.Is(err, errStaleCounter) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	_, err := s.updateUser(ctx, id, func(u *store.User) error {
		u.EmailVerified = true
		u.UpdatedAt = now
		return nil
	})
	return err
}

// updateUser applies fn to the current row under WATCH. fn errors abort
// the transaction and are returned as is.
func (s *Store) updateUser(ctx context.Context, id string, fn func(*store.User) error) (store.User, error) {
	key := s.userKey(id)
	var out store.User

	err := s.watchRetry(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return store.ErrNotFound
		}
		u := decodeUser(fields)
		if err := fn(&u); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeUser(u)...)
			return nil
		})
		if err != nil {
			return err
		}
		out = u
		return nil
	}, key)
	if errors.Is(err, errStaleCounter) {
		return store.User{}, err
	}
	if err != nil {
		return store.User{}, wrapErr(err)
	}
	return out, nil
}

func encodeUser(u store.User) []interface{} {
	return []interface{}{
		"id", u.ID,
		"email", u.Email,
		"pw", u.PasswordHash,
		"ev", boolField(u.EmailVerified),
		"totp", boolField(u.TOTPEnabled),
		"secret", string(u.TOTPSecret),
		"ctr", u.TOTPLastCounter,
		"emfa", boolField(u.EmailMFAEnabled),
		"ver", u.TokenVersion,
		"fails", u.FailedSignIns,
		"lock", unixMilli(u.LockedUntil),
		"created", unixMilli(u.CreatedAt),
		"updated", unixMilli(u.UpdatedAt),
	}
}

func decodeUser(f map[string]string) store.User {
	ctr, _ := strconv.ParseInt(f["ctr"], 10, 64)
	ver, _ := strconv.ParseInt(f["ver"], 10, 64)
	fails, _ := strconv.Atoi(f["fails"])

	var secret []byte
	if f["secret"] != "" {
		secret = []byte(f["secret"])
	}

	return store.User{
		ID:              f["id"],
		Email:           f["email"],
		PasswordHash:    f["pw"],
		EmailVerified:   f["ev"] == "1",
		TOTPEnabled:     f["totp"] == "1",
		TOTPSecret:      secret,
		TOTPLastCounter: ctr,
		EmailMFAEnabled: f["emfa"] == "1",
		TokenVersion:    ver,
		FailedSignIns:   fails,
		LockedUntil:     parseMilli(f["lock"]),
		CreatedAt:       parseMilli(f["created"]),
		UpdatedAt:       parseMilli(f["updated"]),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
