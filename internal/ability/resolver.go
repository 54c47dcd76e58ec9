// Package ability answers "may principal P perform action A in tenant T".
// It composes base roles, active grants and the session's assurance level
// into one decision. Role sufficiency is necessary but not sufficient: a
// step-up action is refused below elevated assurance regardless of role,
// and the refusal is indistinguishable from a role-insufficiency refusal.
package ability

import (
	"context"
	"fmt"
	"sort"

	"rosterhq.org/internal/assurance"
	"rosterhq.org/internal/grants"
	"rosterhq.org/internal/identity"
	"rosterhq.org/internal/membership"
	"rosterhq.org/internal/obs"
)

// Resolver merges the independently-mutable authorization facts. It holds
// no cross-request cache; every decision re-reads the stores so grant
// expiry, revocation and factor removal take effect immediately.
type Resolver struct {
	members   membership.Store
	grants    *grants.Service
	assurance *assurance.Service
}

// NewResolver constructs a Resolver.
func NewResolver(members membership.Store, grantLedger *grants.Service, enforcer *assurance.Service) (*Resolver, error) {
	if members == nil || grantLedger == nil || enforcer == nil {
		return nil, fmt.Errorf("ability: membership store, grant ledger and assurance enforcer are required")
	}
	return &Resolver{members: members, grants: grantLedger, assurance: enforcer}, nil
}

// MemberOf reports whether the principal holds an active membership in the
// tenant. Admin actions that target another member use it to keep the
// target inside the caller's tenant.
func (r *Resolver) MemberOf(ctx context.Context, principalID string, tenant membership.TenantRef) (bool, error) {
	return r.members.IsActiveMember(ctx, principalID, tenant)
}

// EffectiveRoles is the union of the membership's base roles and the
// currently-active grants for the tenant.
func (r *Resolver) EffectiveRoles(ctx context.Context, principalID string, tenant membership.TenantRef) ([]string, error) {
	base, err := r.members.BaseRoles(ctx, principalID, tenant)
	if err != nil {
		return nil, fmt.Errorf("base roles: %w", err)
	}
	granted, err := r.grants.ActiveRoles(ctx, principalID, tenant)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(base)+len(granted))
	for _, role := range base {
		set[role] = struct{}{}
	}
	for _, role := range granted {
		set[role] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Strings(out)
	return out, nil
}

// Can decides whether the principal may perform the action in the tenant.
// A single boolean comes back; callers must not reveal which leg failed.
// Storage errors propagate so the caller fails closed rather than guessing.
func (r *Resolver) Can(ctx context.Context, principal identity.Principal, tenant membership.TenantRef, action string) (bool, error) {
	cap, ok := capabilities[action]
	if !ok {
		obs.ObserveDecision(action, false)
		return false, nil
	}
	roles, err := r.EffectiveRoles(ctx, principal.ID, tenant)
	if err != nil {
		return false, err
	}
	allowed := false
	for _, role := range roles {
		if _, ok := cap.roles[role]; ok {
			allowed = true
			break
		}
	}
	if allowed && cap.stepUp {
		level, err := r.assurance.Level(ctx, principal)
		if err != nil {
			return false, err
		}
		allowed = level == identity.LevelElevated
	}
	obs.ObserveDecision(action, allowed)
	return allowed, nil
}
