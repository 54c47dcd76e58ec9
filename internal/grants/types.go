package grants

import (
	"errors"
	"time"

	"rosterhq.org/internal/membership"
)

var (
	ErrInvalidInput     = errors.New("grants: invalid input")
	ErrInvalidDuration  = errors.New("grants: duration is not a preset")
	ErrRoleNotGrantable = errors.New("grants: role is above the grantable ceiling")
	ErrNotFound         = errors.New("grants: not found")
	ErrAlreadyInactive  = errors.New("grants: grant already revoked")
)

// Presets are the only accepted grant durations.
var Presets = []time.Duration{
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
}

// Grantable is the elevation ceiling: roles that may be handed out through a
// grant. club_owner deliberately is not on the list.
var Grantable = []string{
	membership.RoleCoach,
	membership.RoleTeamManager,
	membership.RoleFacilityAdmin,
}

// Grant is a time-bounded role elevation inside one tenant. Rows are
// immutable once created except for the single revocation transition; expiry
// is derived from the clock on every read, never flipped by a background job.
type Grant struct {
	ID        string               `json:"id"`
	Tenant    membership.TenantRef `json:"tenant"`
	GranteeID string               `json:"grantee_id"`
	GranterID string               `json:"granter_id"`
	Roles     []string             `json:"roles"`
	Reason    string               `json:"reason,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	RevokedAt *time.Time           `json:"revoked_at,omitempty"`
	RevokedBy string               `json:"revoked_by,omitempty"`
}

// ActiveAt reports whether the grant provides access at the given instant.
func (g Grant) ActiveAt(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}

func presetDuration(d time.Duration) bool {
	for _, p := range Presets {
		if d == p {
			return true
		}
	}
	return false
}

func grantableRole(role string) bool {
	for _, r := range Grantable {
		if r == role {
			return true
		}
	}
	return false
}
