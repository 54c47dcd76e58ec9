package ability

import "rosterhq.org/internal/membership"

// Action keys understood by the resolver. The catalog is closed and lives
// in code; permission rules are configuration, not per-request state.
const (
	ActionRosterView       = "roster.view"
	ActionRosterEdit       = "roster.edit"
	ActionTeamManage       = "team.manage"
	ActionMemberInvite     = "member.invite"
	ActionMemberRemove     = "member.remove"
	ActionBillingManage    = "billing.manage"
	ActionFacilitySettings = "facility.settings"
	ActionGrantsCreate     = "grants.create"
	ActionGrantsRevoke     = "grants.revoke"
	ActionGrantsView       = "grants.view"
	ActionMfaResetMember   = "mfa.reset_member"
	ActionAuditView        = "audit.view"
)

type capability struct {
	roles  map[string]struct{}
	stepUp bool
}

// capabilities maps each action to the roles that may perform it and
// whether elevated assurance is required regardless of role. Built once at
// package init and never mutated.
var capabilities = buildTable()

func buildTable() map[string]capability {
	row := func(stepUp bool, roles ...string) capability {
		set := make(map[string]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		return capability{roles: set, stepUp: stepUp}
	}
	const (
		member   = membership.RoleMember
		coach    = membership.RoleCoach
		manager  = membership.RoleTeamManager
		facAdmin = membership.RoleFacilityAdmin
		owner    = membership.RoleClubOwner
	)
	return map[string]capability{
		ActionRosterView:       row(false, member, coach, manager, facAdmin, owner),
		ActionRosterEdit:       row(false, coach, manager, facAdmin, owner),
		ActionTeamManage:       row(false, manager, facAdmin, owner),
		ActionMemberInvite:     row(false, manager, facAdmin, owner),
		ActionMemberRemove:     row(true, facAdmin, owner),
		ActionBillingManage:    row(true, facAdmin, owner),
		ActionFacilitySettings: row(true, facAdmin, owner),
		ActionGrantsCreate:     row(true, facAdmin, owner),
		ActionGrantsRevoke:     row(false, facAdmin, owner),
		ActionGrantsView:       row(false, manager, facAdmin, owner),
		ActionMfaResetMember:   row(true, owner),
		ActionAuditView:        row(false, facAdmin, owner),
	}
}

// KnownAction reports whether the action exists in the capability table.
func KnownAction(action string) bool {
	_, ok := capabilities[action]
	return ok
}

// StepUpRequired reports whether an action demands elevated assurance.
func StepUpRequired(action string) bool {
	cap, ok := capabilities[action]
	return ok && cap.stepUp
}
