// Package redisstore implements store.Store on Redis.
//
// Rows are Redis hashes under a configurable prefix. Multi-key invariants
// (rotation, challenge attempts, recovery-code consumption) are enforced by
// Lua scripts; user rows use optimistic WATCH/MULTI transactions retried on
// conflict. Time-bounded rows carry a TTL, so Purge has nothing to do.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/MrEthical07/authflow/store"
)

const (
	defaultPrefix = "af"
	maxTxRetries  = 4
	txRetryDelay  = 2 * time.Millisecond
)

// Store is a Redis-backed store.Store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

var _ store.Store = (*Store)(nil)

// New creates a Store. An empty prefix defaults to "af".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

// Purge is a no-op: every time-bounded key carries a TTL.
func (s *Store) Purge(context.Context, time.Time) (store.PurgeStats, error) {
	return store.PurgeStats{}, nil
}

func (s *Store) userKey(id string) string         { return s.prefix + ":user:" + id }
func (s *Store) emailKey(email string) string     { return s.prefix + ":user:email:" + email }
func (s *Store) tokenKeyPrefix() string           { return s.prefix + ":tok:" }
func (s *Store) tokenKey(jti string) string       { return s.tokenKeyPrefix() + jti }
func (s *Store) familyKeyPrefix() string          { return s.prefix + ":fam:" }
func (s *Store) familyKey(familyID string) string { return s.familyKeyPrefix() + familyID }
func (s *Store) userFamiliesKey(id string) string { return s.prefix + ":ufam:" + id }
func (s *Store) blacklistKey(d store.Digest) string {
	return s.prefix + ":bl:" + d.String()
}
func (s *Store) challengeKey(userID, purpose string) string {
	return s.prefix + ":ch:" + userID + ":" + purpose
}
func (s *Store) recoveryKey(userID string) string { return s.prefix + ":rc:" + userID }
func (s *Store) attemptKey(key string) string     { return s.prefix + ":att:" + key }

// watchRetry runs fn inside WATCH on keys, retrying optimistic conflicts.
func (s *Store) watchRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewConstant(txRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.redis.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrNoPendingSecret),
		errors.Is(err, store.ErrCooldown):
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseMilli(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return fromMilli(ms)
}

func ttlUntil(t, now time.Time) time.Duration {
	d := t.Sub(now)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func scriptInt(v interface{}) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected script reply %T", store.ErrUnavailable, v)
	}
	return n, nil
}
