package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rosterhq.org/internal/grants"
	"rosterhq.org/internal/membership"
)

// GrantStore persists permission grants.
type GrantStore struct {
	db *sql.DB
}

var _ grants.Store = (*GrantStore)(nil)

// Grants returns the grant ledger's store.
func (s *Store) Grants() *GrantStore { return &GrantStore{db: s.db} }

func (g *GrantStore) Create(ctx context.Context, grant *grants.Grant) error {
	roles, err := json.Marshal(grant.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = g.db.ExecContext(ctx, `
		insert into permission_grants
			(id, club_id, facility_id, grantee_id, granter_id, roles, reason, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, grant.ID, grant.Tenant.ClubID, grant.Tenant.FacilityID, grant.GranteeID,
		grant.GranterID, roles, grant.Reason, grant.CreatedAt, grant.ExpiresAt)
	return err
}

func (g *GrantStore) Get(ctx context.Context, id string) (grants.Grant, error) {
	row := g.db.QueryRowContext(ctx, `
		select id, club_id, facility_id, grantee_id, granter_id, roles, reason,
		       created_at, expires_at, revoked_at, revoked_by
		from permission_grants where id=$1
	`, id)
	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, grants.ErrNotFound
	}
	return grant, err
}

func (g *GrantStore) Revoke(ctx context.Context, id, revokerID string, at time.Time) error {
	res, err := g.db.ExecContext(ctx, `
		update permission_grants
		set revoked_at=$2, revoked_by=$3
		where id=$1 and revoked_at is null
	`, id, at, revokerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	err = g.db.QueryRowContext(ctx,
		`select exists(select 1 from permission_grants where id=$1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return grants.ErrAlreadyInactive
	}
	return grants.ErrNotFound
}

func (g *GrantStore) ListForGrantee(ctx context.Context, tenant membership.TenantRef, granteeID string) ([]grants.Grant, error) {
	rows, err := g.db.QueryContext(ctx, `
		select id, club_id, facility_id, grantee_id, granter_id, roles, reason,
		       created_at, expires_at, revoked_at, revoked_by
		from permission_grants
		where club_id=$1 and facility_id=$2 and grantee_id=$3
	`, tenant.ClubID, tenant.FacilityID, granteeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (g *GrantStore) ListForTenant(ctx context.Context, tenant membership.TenantRef, after time.Time, limit int) ([]grants.Grant, error) {
	rows, err := g.db.QueryContext(ctx, `
		select id, club_id, facility_id, grantee_id, granter_id, roles, reason,
		       created_at, expires_at, revoked_at, revoked_by
		from permission_grants
		where club_id=$1 and facility_id=$2 and revoked_at is null and expires_at > $3
		order by id desc
		limit $4
	`, tenant.ClubID, tenant.FacilityID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (grants.Grant, error) {
	var (
		grant     grants.Grant
		rolesRaw  []byte
		reason    sql.NullString
		revokedAt sql.NullTime
		revokedBy sql.NullString
	)
	err := row.Scan(&grant.ID, &grant.Tenant.ClubID, &grant.Tenant.FacilityID,
		&grant.GranteeID, &grant.GranterID, &rolesRaw, &reason,
		&grant.CreatedAt, &grant.ExpiresAt, &revokedAt, &revokedBy)
	if err != nil {
		return grants.Grant{}, err
	}
	if err := json.Unmarshal(rolesRaw, &grant.Roles); err != nil {
		return grants.Grant{}, fmt.Errorf("decode roles: %w", err)
	}
	if reason.Valid {
		grant.Reason = reason.String
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		grant.RevokedAt = &t
	}
	if revokedBy.Valid {
		grant.RevokedBy = revokedBy.String
	}
	return grant, nil
}

func collectGrants(rows *sql.Rows) ([]grants.Grant, error) {
	var out []grants.Grant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}
