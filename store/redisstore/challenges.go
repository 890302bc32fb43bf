package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/store"
)

// The cooldown is checked against the previous request time even when that
// challenge is exhausted or past its expiry.
const putChallengeScript = `
local last = redis.call("HGET", KEYS[1], "last")
local now = tonumber(ARGV[1])
if last and tonumber(last) + tonumber(ARGV[2]) > now then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "code", ARGV[3], "attempts", "0", "exp", ARGV[4], "last", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`

const (
	consumeStatusVerified int64 = 0
	consumeStatusNotFound int64 = 1
	consumeStatusMismatch int64 = 2
	consumeStatusExceeded int64 = 3
)

// Exhausted and expired challenges are kept until the key TTL so that their
// request time keeps throttling PutChallenge.
const consumeChallengeScript = `
local cur = redis.call("HMGET", KEYS[1], "code", "attempts", "exp")
if not cur[1] then
  return 1
end
local max = tonumber(ARGV[3])
if tonumber(cur[2]) >= max then
  return 3
end
if tonumber(cur[3]) <= tonumber(ARGV[1]) then
  return 1
end
if cur[1] == ARGV[2] then
  redis.call("DEL", KEYS[1])
  return 0
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
if attempts >= max then
  return 3
end
return 2
`

var (
	putChallengeLua     = redis.NewScript(putChallengeScript)
	consumeChallengeLua = redis.NewScript(consumeChallengeScript)
)

func (s *Store) PutChallenge(ctx context.Context, ch store.EmailChallenge, cooldown time.Duration, now time.Time) error {
	res, err := putChallengeLua.Run(
		ctx,
		s.redis,
		[]string{s.challengeKey(ch.UserID, ch.Purpose)},
		now.UnixMilli(),
		cooldown.Milliseconds(),
		ch.CodeDigest.String(),
		unixMilli(ch.ExpiresAt),
		ttlUntil(ch.ExpiresAt, now).Milliseconds(),
	).Result()
	if err != nil {
		return wrapErr(err)
	}
	n, err := scriptInt(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrCooldown
	}
	return nil
}

func (s *Store) ConsumeChallenge(ctx context.Context, req store.ConsumeRequest) (store.ChallengeOutcome, error) {
	res, err := consumeChallengeLua.Run(
		ctx,
		s.redis,
		[]string{s.challengeKey(req.UserID, req.Purpose)},
		req.Now.UnixMilli(),
		req.CodeDigest.String(),
		req.MaxAttempts,
	).Result()
	if err != nil {
		return store.ChallengeNotFound, wrapErr(err)
	}
	code, err := scriptInt(res)
	if err != nil {
		return store.ChallengeNotFound, err
	}

	switch code {
	case consumeStatusVerified:
		return store.ChallengeVerified, nil
	case consumeStatusNotFound:
		return store.ChallengeNotFound, nil
	case consumeStatusMismatch:
		return store.ChallengeMismatch, nil
	case consumeStatusExceeded:
		return store.ChallengeAttemptsExceeded, nil
	default:
		return store.ChallengeNotFound, fmt.Errorf("%w: unknown consume status %d", store.ErrUnavailable, code)
	}
}

func (s *Store) DeleteChallenge(ctx context.Context, userID, purpose string) error {
	return wrapErr(s.redis.Del(ctx, s.challengeKey(userID, purpose)).Err())
}
