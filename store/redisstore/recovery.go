package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/store"
)

// Each code is one field of the user's hash: digest -> "used|usedAt|expiresAt|createdAt".
const consumeRecoveryScript = `
local v = redis.call("HGET", KEYS[1], ARGV[1])
if not v then
  return 1
end
local used, usedAt, exp, created = string.match(v, "^(%d+)|(%d+)|(%d+)|(%d+)$")
if not used then
  return 1
end
if used == "1" then
  return 2
end
local e = tonumber(exp)
if e > 0 and e <= tonumber(ARGV[2]) then
  return 3
end
redis.call("HSET", KEYS[1], ARGV[1], "1|" .. ARGV[2] .. "|" .. exp .. "|" .. created)
return 0
`

var consumeRecoveryLua = redis.NewScript(consumeRecoveryScript)

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []store.RecoveryCode) error {
	key := s.recoveryKey(userID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(codes) == 0 {
			return nil
		}
		fields := make([]interface{}, 0, len(codes)*2)
		for _, c := range codes {
			fields = append(fields, c.CodeDigest.String(), encodeRecovery(c))
		}
		pipe.HSet(ctx, key, fields...)
		return nil
	})
	return wrapErr(err)
}

func (s *Store) ConsumeRecoveryCode(ctx context.Context, userID string, digest store.Digest, now time.Time) (store.RecoveryOutcome, error) {
	res, err := consumeRecoveryLua.Run(ctx, s.redis, []string{s.recoveryKey(userID)}, digest.String(), now.UnixMilli()).Result()
	if err != nil {
		return store.RecoveryNotFound, wrapErr(err)
	}
	code, err := scriptInt(res)
	if err != nil {
		return store.RecoveryNotFound, err
	}
	switch code {
	case 0:
		return store.RecoveryConsumed, nil
	case 1:
		return store.RecoveryNotFound, nil
	case 2:
		return store.RecoveryAlreadyUsed, nil
	case 3:
		return store.RecoveryExpired, nil
	default:
		return store.RecoveryNotFound, fmt.Errorf("%w: unknown recovery status %d", store.ErrUnavailable, code)
	}
}

func (s *Store) ListRecoveryCodes(ctx context.Context, userID string) ([]store.RecoveryCode, error) {
	fields, err := s.redis.HGetAll(ctx, s.recoveryKey(userID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	out := make([]store.RecoveryCode, 0, len(fields))
	for field, value := range fields {
		d, err := store.ParseDigest(field)
		if err != nil {
			continue
		}
		c, ok := decodeRecovery(value)
		if !ok {
			continue
		}
		c.UserID = userID
		c.CodeDigest = d
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CodeDigest.String() < out[j].CodeDigest.String()
	})
	return out, nil
}

func (s *Store) DeleteRecoveryCodes(ctx context.Context, userID string) (int, error) {
	key := s.recoveryKey(userID)
	var n *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.HLen(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return 0, wrapErr(err)
	}
	return int(n.Val()), nil
}

func encodeRecovery(c store.RecoveryCode) string {
	used := "0"
	if c.Used {
		used = "1"
	}
	return used + "|" +
		strconv.FormatInt(unixMilli(c.UsedAt), 10) + "|" +
		strconv.FormatInt(unixMilli(c.ExpiresAt), 10) + "|" +
		strconv.FormatInt(unixMilli(c.CreatedAt), 10)
}

func decodeRecovery(v string) (store.RecoveryCode, bool) {
	parts := strings.Split(v, "|")
	if len(parts) != 4 {
		return store.RecoveryCode{}, false
	}
	return store.RecoveryCode{
		Used:      parts[0] == "1",
		UsedAt:    parseMilli(parts[1]),
		ExpiresAt: parseMilli(parts[2]),
		CreatedAt: parseMilli(parts[3]),
	}, true
}
