package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rosterhq.org/internal/membership"
)

// MembershipStore reads tenant-membership rows. The rows are written by the
// team-management side of the application; this core only queries them.
type MembershipStore struct {
	db *sql.DB
}

var _ membership.Store = (*MembershipStore)(nil)

// Memberships returns the membership read store.
func (s *Store) Memberships() *MembershipStore { return &MembershipStore{db: s.db} }

func (m *MembershipStore) IsActiveMember(ctx context.Context, principalID string, tenant membership.TenantRef) (bool, error) {
	var active bool
	err := m.db.QueryRowContext(ctx, `
		select exists(
			select 1 from memberships
			where principal_id=$1 and club_id=$2 and facility_id=$3 and status=$4
		)
	`, principalID, tenant.ClubID, tenant.FacilityID, membership.StatusActive).Scan(&active)
	if err != nil {
		return false, err
	}
	return active, nil
}

func (m *MembershipStore) BaseRoles(ctx context.Context, principalID string, tenant membership.TenantRef) ([]string, error) {
	var rolesRaw []byte
	err := m.db.QueryRowContext(ctx, `
		select roles from memberships
		where principal_id=$1 and club_id=$2 and facility_id=$3 and status=$4
	`, principalID, tenant.ClubID, tenant.FacilityID, membership.StatusActive).Scan(&rolesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var roles []string
	if err := json.Unmarshal(rolesRaw, &roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return roles, nil
}
