package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/store"
)

const (
	rotateStatusOK       int64 = 0
	rotateStatusNotFound int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusReused   int64 = 3
	rotateStatusCeiling  int64 = 4
	rotateStatusExpired  int64 = 5
)

// The reuse check and the rotation run in one script so two concurrent
// rotations of a jti cannot both observe "no child".
const rotateTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
local rec = redis.call("HMGET", KEYS[1], "revoked", "child", "gen", "rexp", "family", "user")
if rec[2] and rec[2] ~= "" then
  return 3
end
if rec[1] == "1" then
  return 2
end
if tonumber(rec[4]) <= tonumber(ARGV[1]) then
  return 5
end
local gen = tonumber(rec[3])
if gen >= tonumber(ARGV[2]) then
  return 4
end
redis.call("HSET", KEYS[1], "revoked", "1", "child", ARGV[4])
redis.call("HSET", KEYS[2],
  "jti", ARGV[4], "parent", ARGV[3], "family", rec[5], "user", rec[6],
  "gen", tostring(gen + 1), "revoked", "0", "child", "",
  "adig", ARGV[5], "aexp", ARGV[6], "rdig", ARGV[7], "rexp", ARGV[8], "created", ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[9])
local fam = ARGV[10] .. rec[5]
redis.call("SADD", fam, ARGV[4])
redis.call("PEXPIRE", fam, ARGV[9])
local ufam = ARGV[11] .. rec[6]
redis.call("SADD", ufam, rec[5])
redis.call("PEXPIRE", ufam, ARGV[9])
return 0
`

const revokeFamilyScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local out = {}
for _, jti in ipairs(members) do
  local k = ARGV[1] .. jti
  if redis.call("EXISTS", k) == 1 then
    redis.call("HSET", k, "revoked", "1")
    table.insert(out, jti)
  end
end
return out
`

var (
	rotateTokenLua  = redis.NewScript(rotateTokenScript)
	revokeFamilyLua = redis.NewScript(revokeFamilyScript)
)

// CreateTokenRecord stores a generation-0 record and indexes its family.
func (s *Store) CreateTokenRecord(ctx context.Context, rec store.TokenRecord) error {
	ttl := ttlUntil(rec.RefreshExpiresAt, rec.CreatedAt)
	key := s.tokenKey(rec.JTI)
	famKey := s.familyKey(rec.FamilyID)
	userKey := s.userFamiliesKey(rec.UserID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeToken(rec)...)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, famKey, rec.JTI)
		pipe.PExpire(ctx, famKey, ttl)
		pipe.SAdd(ctx, userKey, rec.FamilyID)
		pipe.PExpire(ctx, userKey, ttl)
		return nil
	})
	return wrapErr(err)
}

func (s *Store) GetTokenRecord(ctx context.Context, jti string) (store.TokenRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(jti)).Result()
	if err != nil {
		return store.TokenRecord{}, wrapErr(err)
	}
	if len(fields) == 0 {
		return store.TokenRecord{}, store.ErrNotFound
	}
	return decodeToken(fields), nil
}

func (s *Store) HasChild(ctx context.Context, jti string) (bool, error) {
	child, err := s.redis.HGet(ctx, s.tokenKey(jti), "child").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return child != "", nil
}

// RotateTokenRecord runs the rotation script and then loads the records
// involved.
func (s *Store) RotateTokenRecord(ctx context.Context, req store.RotateRequest) (store.RotateResult, error) {
	next := req.Next
	res, err := rotateTokenLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(req.OldJTI), s.tokenKey(next.JTI)},
		req.Now.UnixMilli(),
		req.MaxGeneration,
		req.OldJTI,
		next.JTI,
		next.AccessDigest.String(),
		unixMilli(next.AccessExpiresAt),
		next.RefreshDigest.String(),
		unixMilli(next.RefreshExpiresAt),
		ttlUntil(next.RefreshExpiresAt, req.Now).Milliseconds(),
		s.familyKeyPrefix(),
		s.prefix+":ufam:",
	).Result()
	if err != nil {
		return store.RotateResult{}, wrapErr(err)
	}
	code, err := scriptInt(res)
	if err != nil {
		return store.RotateResult{}, err
	}

	var out store.RotateResult
	switch code {
	case rotateStatusOK:
		out.Outcome = store.RotateOK
	case rotateStatusNotFound:
		return store.RotateResult{Outcome: store.RotateNotFound}, nil
	case rotateStatusRevoked:
		out.Outcome = store.RotateRevoked
	case rotateStatusReused:
		out.Outcome = store.RotateReused
	case rotateStatusCeiling:
		out.Outcome = store.RotateCeiling
	case rotateStatusExpired:
		out.Outcome = store.RotateExpired
	default:
		return store.RotateResult{}, fmt.Errorf("%w: unknown rotate status %d", store.ErrUnavailable, code)
	}

	prev, err := s.GetTokenRecord(ctx, req.OldJTI)
	if err != nil {
		return store.RotateResult{}, err
	}
	out.Previous = prev

	if out.Outcome == store.RotateOK {
		created, err := s.GetTokenRecord(ctx, next.JTI)
		if err != nil {
			return store.RotateResult{}, err
		}
		out.Next = created
	}
	return out, nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) ([]store.TokenRecord, error) {
	res, err := revokeFamilyLua.Run(ctx, s.redis, []string{s.familyKey(familyID)}, s.tokenKeyPrefix()).StringSlice()
	if err != nil {
		return nil, wrapErr(err)
	}
	return s.loadTokens(ctx, res)
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) ([]store.TokenRecord, error) {
	families, err := s.redis.SMembers(ctx, s.userFamiliesKey(userID)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	var out []store.TokenRecord
	for _, familyID := range families {
		recs, err := s.RevokeFamily(ctx, familyID)
		if err != nil {
			return out, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Store) loadTokens(ctx context.Context, jtis []string) ([]store.TokenRecord, error) {
	if len(jtis) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(jtis))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, jti := range jtis {
			cmds[i] = pipe.HGetAll(ctx, s.tokenKey(jti))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	out := make([]store.TokenRecord, 0, len(jtis))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeToken(fields))
	}
	return out, nil
}

func encodeToken(r store.TokenRecord) []interface{} {
	return []interface{}{
		"jti", r.JTI,
		"parent", r.ParentJTI,
		"family", r.FamilyID,
		"user", r.UserID,
		"gen", r.Generation,
		"revoked", boolField(r.Revoked),
		"child", "",
		"adig", r.AccessDigest.String(),
		"aexp", unixMilli(r.AccessExpiresAt),
		"rdig", r.RefreshDigest.String(),
		"rexp", unixMilli(r.RefreshExpiresAt),
		"created", unixMilli(r.CreatedAt),
	}
}

func decodeToken(f map[string]string) store.TokenRecord {
	gen, _ := strconv.Atoi(f["gen"])
	adig, _ := store.ParseDigest(f["adig"])
	rdig, _ := store.ParseDigest(f["rdig"])

	return store.TokenRecord{
		JTI:              f["jti"],
		ParentJTI:        f["parent"],
		FamilyID:         f["family"],
		UserID:           f["user"],
		Generation:       gen,
		Revoked:          f["revoked"] == "1",
		AccessDigest:     adig,
		AccessExpiresAt:  parseMilli(f["aexp"]),
		RefreshDigest:    rdig,
		RefreshExpiresAt: parseMilli(f["rexp"]),
		CreatedAt:        parseMilli(f["created"]),
	}
}
