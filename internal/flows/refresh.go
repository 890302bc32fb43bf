package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureExpired
	RefreshFailureUserNotFound
	RefreshFailureVersionMismatch
	RefreshFailureMint
	RefreshFailureStore
	RefreshFailureNotFound
	RefreshFailureRevoked
	RefreshFailureReuse
	RefreshFailureCeiling
	RefreshFailureRecordExpired
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure    RefreshFailureKind
	Err        error
	UserID     string
	JTI        string
	FamilyID   string
	Generation int
	Pair       jwt.Pair
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Now           func() time.Time
	ParseRefresh  func(string) (*jwt.Claims, error)
	GetUser       func(context.Context, string) (store.User, error)
	NewJTI        func() string
	MintPair      func(userID, jti string, version int64) (jwt.Pair, error)
	Rotate        func(context.Context, store.RotateRequest) (store.RotateResult, error)
	BlacklistSelf func(context.Context, store.TokenRecord) error
	RevokeFamily  func(context.Context, string) error
	MaxGeneration int
	Warn          func(string, ...any)
}

// RunRefresh verifies the presented refresh token, mints the successor pair
// and asks the store to rotate atomically. Reuse revokes the whole family
// before returning.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	claims, err := deps.ParseRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return RefreshResult{Failure: RefreshFailureExpired, Err: err}
		}
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}
	res := RefreshResult{UserID: claims.Subject, JTI: claims.ID}

	user, err := deps.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Failure = RefreshFailureUserNotFound
		} else {
			res.Failure = RefreshFailureStore
		}
		res.Err = err
		return res
	}
	if claims.Version != user.TokenVersion {
		res.Failure = RefreshFailureVersionMismatch
		return res
	}

	nextJTI := deps.NewJTI()
	pair, err := deps.MintPair(user.ID, nextJTI, user.TokenVersion)
	if err != nil {
		res.Failure = RefreshFailureMint
		res.Err = err
		return res
	}

	rotated, err := deps.Rotate(ctx, store.RotateRequest{
		OldJTI: claims.ID,
		Next: store.TokenRecord{
			JTI:              nextJTI,
			AccessDigest:     store.DigestToken(pair.Access),
			AccessExpiresAt:  pair.AccessExpiresAt,
			RefreshDigest:    store.DigestToken(pair.Refresh),
			RefreshExpiresAt: pair.RefreshExpiresAt,
		},
		MaxGeneration: deps.MaxGeneration,
		Now:           deps.Now(),
	})
	if err != nil {
		res.Failure = RefreshFailureStore
		res.Err = err
		return res
	}
	res.FamilyID = rotated.Previous.FamilyID
	res.Generation = rotated.Previous.Generation

	switch rotated.Outcome {
	case store.RotateOK:
	case store.RotateReused:
		res.Failure = RefreshFailureReuse
		if err := deps.RevokeFamily(ctx, rotated.Previous.FamilyID); err != nil {
			res.Err = err
		}
		return res
	case store.RotateNotFound:
		res.Failure = RefreshFailureNotFound
		return res
	case store.RotateRevoked:
		res.Failure = RefreshFailureRevoked
		return res
	case store.RotateCeiling:
		res.Failure = RefreshFailureCeiling
		return res
	case store.RotateExpired:
		res.Failure = RefreshFailureRecordExpired
		return res
	default:
		res.Failure = RefreshFailureStore
		res.Err = errors.New("unknown rotate outcome")
		return res
	}

	// The superseded access token dies now rather than at its expiry.
	if err := deps.BlacklistSelf(ctx, rotated.Previous); err != nil && deps.Warn != nil {
		deps.Warn("authflow: blacklist of rotated access token failed", "jti", rotated.Previous.JTI, "error", err)
	}

	res.Generation = rotated.Next.Generation
	res.JTI = nextJTI
	res.Pair = pair
	return res
}
