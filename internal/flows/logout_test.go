package flows

import (
	"context"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
)

func TestRunLogoutRevokesFamily(t *testing.T) {
	var entries []store.BlacklistEntry
	var revoked []string
	deps := LogoutDeps{
		Now:         func() time.Time { return time.Unix(1_700_000_000, 0) },
		ParseAccess: func(string) (*jwt.Claims, error) { return accessClaims("u1", 1), nil },
		Blacklist: func(_ context.Context, e store.BlacklistEntry, _ time.Time) (bool, error) {
			entries = append(entries, e)
			return true, nil
		},
		GetTokenRecord: func(_ context.Context, jti string) (store.TokenRecord, error) {
			return store.TokenRecord{JTI: jti, FamilyID: "fam"}, nil
		},
		RevokeFamily: func(_ context.Context, fam string) error {
			revoked = append(revoked, fam)
			return nil
		},
	}

	res := RunLogout(context.Background(), "tok", false, deps)
	if res.Err != nil || res.Invalid || len(entries) != 1 || len(revoked) != 0 {
		t.Fatalf("unexpected single logout result %+v", res)
	}
	if entries[0].Reason != store.ReasonLogout {
		t.Fatalf("expected logout reason, got %q", entries[0].Reason)
	}

	res = RunLogout(context.Background(), "tok", true, deps)
	if res.Err != nil || res.FamilyID != "fam" || len(revoked) != 1 {
		t.Fatalf("expected family revocation, got %+v", res)
	}
}

func TestRunLogoutMissingRecord(t *testing.T) {
	deps := LogoutDeps{
		Now:         time.Now,
		ParseAccess: func(string) (*jwt.Claims, error) { return accessClaims("u1", 1), nil },
		Blacklist: func(context.Context, store.BlacklistEntry, time.Time) (bool, error) {
			return false, nil
		},
		GetTokenRecord: func(context.Context, string) (store.TokenRecord, error) {
			return store.TokenRecord{}, store.ErrNotFound
		},
		RevokeFamily: func(context.Context, string) error {
			t.Fatalf("revoke must not be called")
			return nil
		},
	}
	if res := RunLogout(context.Background(), "tok", true, deps); res.Err != nil {
		t.Fatalf("expected clean logout, got %v", res.Err)
	}
}
