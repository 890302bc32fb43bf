// Package store defines the persisted model of the authentication engine and
// the storage contracts every backend must satisfy.
//
// Backends live in sub-packages: redisstore (Redis, Lua compare-and-swap) and
// pgstore (PostgreSQL, row locks). Both guarantee atomic read-modify-write per
// row for the operations documented below.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on a unique-key clash or when a precondition on
	// the current row state does not hold.
	ErrConflict = errors.New("store: conflict")
	// ErrNoPendingSecret is returned when TOTP is enabled without a pending secret.
	ErrNoPendingSecret = errors.New("store: no pending totp secret")
	// ErrCooldown is returned when a challenge is re-requested before its resend cooldown elapsed.
	ErrCooldown = errors.New("store: challenge resend cooldown active")
	// ErrUnavailable wraps backend I/O failures.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Digest is the SHA-256 of a token, code or secret. Only digests are persisted.
type Digest [32]byte

// DigestToken hashes a raw token string.
func DigestToken(token string) Digest {
	return sha256.Sum256([]byte(token))
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(raw) != len(d) {
		return d, errors.New("store: invalid digest size")
	}
	copy(d[:], raw)
	return d, nil
}

// Store is the full set of capabilities the engine needs from a backend.
type Store interface {
	UserStore
	TokenStore
	Blacklist
	ChallengeStore
	RecoveryStore
	AttemptCounter
	Purge(ctx context.Context, now time.Time) (PurgeStats, error)
}

// PurgeStats reports rows removed by a hygiene pass.
type PurgeStats struct {
	Blacklist    int
	TokenRecords int
	Challenges   int
	Attempts     int
}

// UserStore persists User rows. Every mutating method is atomic per user.
type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// UpdatePasswordHash stores a new hash, bumps the token version and clears
	// lockout state.
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) (User, error)
	BumpTokenVersion(ctx context.Context, id string, now time.Time) (User, error)

	// RecordSignInFailure increments the failed sign-in counter. When the
	// counter reaches policy.Threshold the user is locked until
	// now+policy.Duration and the counter restarts at zero.
	RecordSignInFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (User, error)
	ResetSignInFailures(ctx context.Context, id string, now time.Time) error

	// SetPendingTOTPSecret stores an (encrypted) secret while TOTP is still
	// disabled. Returns ErrConflict when TOTP is already enabled.
	SetPendingTOTPSecret(ctx context.Context, id string, secret []byte, now time.Time) error
	// EnableMFA turns a method on. first reports whether no other method was
	// enabled before this call.
	EnableMFA(ctx context.Context, id string, method Method, now time.Time) (u User, first bool, err error)
	// DisableMFA turns a method off and bumps the token version. last reports
	// whether no method remains enabled.
	DisableMFA(ctx context.Context, id string, method Method, now time.Time) (u User, last bool, err error)
	// AdvanceTOTPCounter records counter as the last accepted TOTP step. It
	// returns false when counter is not greater than the stored value.
	AdvanceTOTPCounter(ctx context.Context, id string, counter int64) (bool, error)
	MarkEmailVerified(ctx context.Context, id string, now time.Time) error
}

// TokenStore persists Token Records and their lineage.
type TokenStore interface {
	CreateTokenRecord(ctx context.Context, rec TokenRecord) error
	GetTokenRecord(ctx context.Context, jti string) (TokenRecord, error)
	HasChild(ctx context.Context, jti string) (bool, error)
	// RotateTokenRecord evaluates the reuse check and the rotation of
	// req.OldJTI as one atomic step.
	RotateTokenRecord(ctx context.Context, req RotateRequest) (RotateResult, error)
	// RevokeFamily marks every member revoked and returns all members.
	RevokeFamily(ctx context.Context, familyID string) ([]TokenRecord, error)
	// RevokeUserTokens revokes every family owned by userID.
	RevokeUserTokens(ctx context.Context, userID string) ([]TokenRecord, error)
}

// Blacklist records individually revoked tokens until their natural expiry.
type Blacklist interface {
	// AddToBlacklist inserts the entry if absent. added is false when an
	// entry for the same digest already existed.
	AddToBlacklist(ctx context.Context, entry BlacklistEntry, now time.Time) (added bool, err error)
	IsBlacklisted(ctx context.Context, digest Digest, now time.Time) (bool, error)
}

// ChallengeStore keeps at most one live email challenge per (user, purpose).
type ChallengeStore interface {
	// PutChallenge replaces the live challenge unless it was requested less
	// than cooldown ago, in which case ErrCooldown is returned.
	PutChallenge(ctx context.Context, ch EmailChallenge, cooldown time.Duration, now time.Time) error
	ConsumeChallenge(ctx context.Context, req ConsumeRequest) (ChallengeOutcome, error)
	DeleteChallenge(ctx context.Context, userID, purpose string) error
}

// RecoveryStore keeps the hashed recovery-code batch of each user.
type RecoveryStore interface {
	// ReplaceRecoveryCodes drops the previous batch and stores codes.
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCode) error
	ConsumeRecoveryCode(ctx context.Context, userID string, digest Digest, now time.Time) (RecoveryOutcome, error)
	ListRecoveryCodes(ctx context.Context, userID string) ([]RecoveryCode, error)
	DeleteRecoveryCodes(ctx context.Context, userID string) (int, error)
}

// AttemptCounter is a durable fixed-window failure counter.
type AttemptCounter interface {
	IncrementAttempts(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	Attempts(ctx context.Context, key string, now time.Time) (int, error)
	ResetAttempts(ctx context.Context, key string) error
}
