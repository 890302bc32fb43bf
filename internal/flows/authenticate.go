package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

// AuthenticateFailureKind classifies access-token verification failures.
type AuthenticateFailureKind int

const (
	AuthenticateFailureNone AuthenticateFailureKind = iota
	AuthenticateFailureInvalid
	AuthenticateFailureExpired
	AuthenticateFailureRevoked
	AuthenticateFailureUserNotFound
	AuthenticateFailureVersionMismatch
	AuthenticateFailureStore
)

// AuthenticateResult returns either the verified claims and user or a
// classified failure.
type AuthenticateResult struct {
	Failure AuthenticateFailureKind
	Err     error
	Claims  *jwt.Claims
	User    store.User
}

// AuthenticateDeps captures access-token verification dependencies.
type AuthenticateDeps struct {
	Now           func() time.Time
	ParseAccess   func(string) (*jwt.Claims, error)
	IsBlacklisted func(context.Context, store.Digest, time.Time) (bool, error)
	GetUser       func(context.Context, string) (store.User, error)
	Blacklist     func(context.Context, store.BlacklistEntry, time.Time) (bool, error)
}

// RunAuthenticate verifies signature and standard claims, then the
// blacklist, then the subject and its token version. A version mismatch
// blacklists the token; no other path writes.
func RunAuthenticate(ctx context.Context, token string, deps AuthenticateDeps) AuthenticateResult {
	claims, err := deps.ParseAccess(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return AuthenticateResult{Failure: AuthenticateFailureExpired, Err: err}
		}
		return AuthenticateResult{Failure: AuthenticateFailureInvalid, Err: err}
	}

	now := deps.Now()
	digest := store.DigestToken(token)
	listed, err := deps.IsBlacklisted(ctx, digest, now)
	if err != nil {
		return AuthenticateResult{Failure: AuthenticateFailureStore, Err: err, Claims: claims}
	}
	if listed {
		return AuthenticateResult{Failure: AuthenticateFailureRevoked, Claims: claims}
	}

	user, err := deps.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthenticateResult{Failure: AuthenticateFailureUserNotFound, Claims: claims}
		}
		return AuthenticateResult{Failure: AuthenticateFailureStore, Err: err, Claims: claims}
	}

	if claims.Version != user.TokenVersion {
		entry := store.BlacklistEntry{
			Digest:    digest,
			Reason:    store.ReasonVersionChanged,
			ExpiresAt: claims.ExpiresAt.Time,
		}
		if _, err := deps.Blacklist(ctx, entry, now); err != nil {
			return AuthenticateResult{Failure: AuthenticateFailureVersionMismatch, Err: err, Claims: claims, User: user}
		}
		return AuthenticateResult{Failure: AuthenticateFailureVersionMismatch, Claims: claims, User: user}
	}

	return AuthenticateResult{Claims: claims, User: user}
}
