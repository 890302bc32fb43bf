package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authflow/store"
)

const tokenColumns = `jti, COALESCE(parent_jti, ''), family_id, user_id, generation, revoked,
	access_digest, access_expires_at, refresh_digest, refresh_expires_at, created_at`

var errLostRotation = errors.New("rotation lost to a concurrent child insert")

func scanToken(row pgx.Row) (store.TokenRecord, error) {
	var (
		r          store.TokenRecord
		adig, rdig []byte
	)
	err := row.Scan(
		&r.JTI, &r.ParentJTI, &r.FamilyID, &r.UserID, &r.Generation, &r.Revoked,
		&adig, &r.AccessExpiresAt, &rdig, &r.RefreshExpiresAt, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TokenRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TokenRecord{}, err
	}
	r.AccessDigest = toDigest(adig)
	r.RefreshDigest = toDigest(rdig)
	return r, nil
}

func scanTokens(rows pgx.Rows) ([]store.TokenRecord, error) {
	defer rows.Close()
	var out []store.TokenRecord
	for rows.Next() {
		r, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateTokenRecord(ctx context.Context, rec store.TokenRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_records (jti, parent_jti, family_id, user_id, generation, revoked,
			access_digest, access_expires_at, refresh_digest, refresh_expires_at, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.JTI, rec.ParentJTI, rec.FamilyID, rec.UserID, rec.Generation, rec.Revoked,
		rec.AccessDigest[:], rec.AccessExpiresAt, rec.RefreshDigest[:], rec.RefreshExpiresAt, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return dbErr("TOKEN_CREATE_FAILED", err, "jti", rec.JTI)
	}
	return nil
}

func (s *Store) GetTokenRecord(ctx context.Context, jti string) (store.TokenRecord, error) {
	r, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM token_records WHERE jti=$1`, jti))
	return r, dbErr("TOKEN_GET_FAILED", err, "jti", jti)
}

func (s *Store) HasChild(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM token_records WHERE parent_jti=$1)`, jti).Scan(&exists)
	if err != nil {
		return false, dbErr("TOKEN_GET_FAILED", err, "jti", jti)
	}
	return exists, nil
}

// RotateTokenRecord locks the old record, classifies it and, when eligible,
// revokes it and inserts the child in the same transaction. The UNIQUE
// constraint on parent_jti backs the child check.
func (s *Store) RotateTokenRecord(ctx context.Context, req store.RotateRequest) (store.RotateResult, error) {
	var out store.RotateResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		out = store.RotateResult{}

		prev, err := scanToken(tx.QueryRow(ctx,
			`SELECT `+tokenColumns+` FROM token_records WHERE jti=$1 FOR UPDATE`, req.OldJTI))
		if errors.Is(err, store.ErrNotFound) {
			out.Outcome = store.RotateNotFound
			return nil
		}
		if err != nil {
			return err
		}
		out.Previous = prev

		var hasChild bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM token_records WHERE parent_jti=$1)`, req.OldJTI,
		).Scan(&hasChild); err != nil {
			return err
		}

		switch {
		case hasChild:
			out.Outcome = store.RotateReused
			return nil
		case prev.Revoked:
			out.Outcome = store.RotateRevoked
			return nil
		case !req.Now.Before(prev.RefreshExpiresAt):
			out.Outcome = store.RotateExpired
			return nil
		case prev.Generation >= req.MaxGeneration:
			out.Outcome = store.RotateCeiling
			return nil
		}

		if _, err := tx.Exec(ctx, `UPDATE token_records SET revoked=true WHERE jti=$1`, prev.JTI); err != nil {
			return err
		}

		next := req.Next
		next.ParentJTI = prev.JTI
		next.FamilyID = prev.FamilyID
		next.UserID = prev.UserID
		next.Generation = prev.Generation + 1
		next.Revoked = false
		next.CreatedAt = req.Now
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_records (jti, parent_jti, family_id, user_id, generation, revoked,
				access_digest, access_expires_at, refresh_digest, refresh_expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8, $9, $10)`,
			next.JTI, next.ParentJTI, next.FamilyID, next.UserID, next.Generation,
			next.AccessDigest[:], next.AccessExpiresAt, next.RefreshDigest[:], next.RefreshExpiresAt, next.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return errLostRotation
			}
			return err
		}

		prev.Revoked = true
		out.Previous = prev
		out.Next = next
		out.Outcome = store.RotateOK
		return nil
	})
	if errors.Is(err, errLostRotation) {
		// A concurrent rotation inserted the child first.
		prev, gerr := s.GetTokenRecord(ctx, req.OldJTI)
		if gerr != nil {
			return store.RotateResult{}, gerr
		}
		return store.RotateResult{Outcome: store.RotateReused, Previous: prev}, nil
	}
	if err != nil {
		return store.RotateResult{}, dbErr("TOKEN_ROTATE_FAILED", err, "jti", req.OldJTI)
	}
	return out, nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) ([]store.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE token_records SET revoked=true WHERE family_id=$1 RETURNING `+tokenColumns, familyID)
	if err != nil {
		return nil, dbErr("TOKEN_REVOKE_FAILED", err, "family_id", familyID)
	}
	recs, err := scanTokens(rows)
	if err != nil {
		return nil, dbErr("TOKEN_REVOKE_FAILED", err, "family_id", familyID)
	}
	return recs, nil
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string) ([]store.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE token_records SET revoked=true WHERE user_id=$1 RETURNING `+tokenColumns, userID)
	if err != nil {
		return nil, dbErr("TOKEN_REVOKE_FAILED", err, "user_id", userID)
	}
	recs, err := scanTokens(rows)
	if err != nil {
		return nil, dbErr("TOKEN_REVOKE_FAILED", err, "user_id", userID)
	}
	return recs, nil
}
