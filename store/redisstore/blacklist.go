package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/store"
)

const incrementAttemptsScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

var incrementAttemptsLua = redis.NewScript(incrementAttemptsScript)

// AddToBlacklist claims the digest with SET NX. The key expires with the token.
func (s *Store) AddToBlacklist(ctx context.Context, entry store.BlacklistEntry, now time.Time) (bool, error) {
	if !entry.ExpiresAt.After(now) {
		// already dead; nothing to remember
		return true, nil
	}
	ok, err := s.redis.SetNX(ctx, s.blacklistKey(entry.Digest), entry.Reason, ttlUntil(entry.ExpiresAt, now)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

func (s *Store) IsBlacklisted(ctx context.Context, digest store.Digest, _ time.Time) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(digest)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, key string, window time.Duration, _ time.Time) (int, error) {
	res, err := incrementAttemptsLua.Run(ctx, s.redis, []string{s.attemptKey(key)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	n, err := scriptInt(res)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Attempts(ctx context.Context, key string, _ time.Time) (int, error) {
	n, err := s.redis.Get(ctx, s.attemptKey(key)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapErr(err)
	}
	return n, nil
}

func (s *Store) ResetAttempts(ctx context.Context, key string) error {
	return wrapErr(s.redis.Del(ctx, s.attemptKey(key)).Err())
}
