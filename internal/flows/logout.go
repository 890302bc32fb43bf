package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

// LogoutResult reports what a logout revoked.
type LogoutResult struct {
	Err      error
	Invalid  bool
	UserID   string
	FamilyID string
}

// LogoutDeps captures logout dependencies.
type LogoutDeps struct {
	Now            func() time.Time
	ParseAccess    func(string) (*jwt.Claims, error)
	Blacklist      func(context.Context, store.BlacklistEntry, time.Time) (bool, error)
	GetTokenRecord func(context.Context, string) (store.TokenRecord, error)
	RevokeFamily   func(context.Context, string) error
}

// RunLogout blacklists the presented access token and, when asked, revokes
// the refresh family it was minted in. Logging out twice is not an error.
func RunLogout(ctx context.Context, accessToken string, revokeFamily bool, deps LogoutDeps) LogoutResult {
	claims, err := deps.ParseAccess(accessToken)
	if err != nil {
		return LogoutResult{Invalid: true, Err: err}
	}
	res := LogoutResult{UserID: claims.Subject}

	entry := store.BlacklistEntry{
		Digest:    store.DigestToken(accessToken),
		Reason:    store.ReasonLogout,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if _, err := deps.Blacklist(ctx, entry, deps.Now()); err != nil {
		res.Err = err
		return res
	}
	if !revokeFamily {
		return res
	}

	rec, err := deps.GetTokenRecord(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}
	res.FamilyID = rec.FamilyID
	res.Err = deps.RevokeFamily(ctx, rec.FamilyID)
	return res
}
