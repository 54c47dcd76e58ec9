package membership

// Role names carried by memberships and grants. The set is closed; dynamic
// role definitions are out of scope for the access-control core.
const (
	RoleMember        = "member"
	RoleCoach         = "coach"
	RoleTeamManager   = "team_manager"
	RoleFacilityAdmin = "facility_admin"
	RoleClubOwner     = "club_owner"
)

// KnownRole reports whether name is one of the closed role set.
func KnownRole(name string) bool {
	switch name {
	case RoleMember, RoleCoach, RoleTeamManager, RoleFacilityAdmin, RoleClubOwner:
		return true
	}
	return false
}
