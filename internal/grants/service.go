// Package grants is the ledger of time-bounded role elevations. A grant is
// active iff it has not been revoked and its expiry lies in the future;
// activity is recomputed from the clock on every read, so there is no
// background job and no cached state that could outlive an expiry.
package grants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/ids"
	"rosterhq.org/internal/membership"
)

// Service owns PermissionGrant rows. Authority to create or revoke is
// enforced by the caller through the ability resolver; checking it here
// would make the resolver and the ledger mutually dependent.
type Service struct {
	store   Store
	emitter *audit.Emitter
	now     func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the grant ledger.
func NewService(store Store, emitter *audit.Emitter, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("grants: store is required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("grants: audit emitter is required")
	}
	s := &Service{store: store, emitter: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create records a new grant. Roles must sit inside the grantable ceiling
// and duration must be one of the presets. Concurrent creates for the same
// grantee are additive; the effective role set is the union of whatever is
// active.
func (s *Service) Create(ctx context.Context, granterID, granteeID string, tenant membership.TenantRef, roles []string, duration time.Duration, reason string) (Grant, error) {
	granterID = strings.TrimSpace(granterID)
	granteeID = strings.TrimSpace(granteeID)
	if granterID == "" || granteeID == "" || tenant.ClubID == "" {
		return Grant{}, fmt.Errorf("%w: granter, grantee and tenant are required", ErrInvalidInput)
	}
	normalized := normalizeRoles(roles)
	if len(normalized) == 0 {
		return Grant{}, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	for _, role := range normalized {
		if !membership.KnownRole(role) {
			return Grant{}, fmt.Errorf("%w: unknown role %s", ErrInvalidInput, role)
		}
		if !grantableRole(role) {
			return Grant{}, fmt.Errorf("%w: %s", ErrRoleNotGrantable, role)
		}
	}
	if !presetDuration(duration) {
		return Grant{}, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}

	now := s.now().UTC()
	grant := Grant{
		ID:        ids.New(),
		Tenant:    tenant,
		GranteeID: granteeID,
		GranterID: granterID,
		Roles:     normalized,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if err := s.store.Create(ctx, &grant); err != nil {
		return Grant{}, fmt.Errorf("create grant: %w", err)
	}

	s.emitter.Record(ctx, audit.Record{
		ActorID:    granterID,
		Action:     audit.ActionGrantCreated,
		TargetType: "grant",
		TargetID:   grant.ID,
		TenantID:   tenant.ClubID,
		Metadata: map[string]string{
			"grantee_id": granteeID,
			"roles":      strings.Join(normalized, ","),
			"expires_at": grant.ExpiresAt.Format(time.RFC3339),
		},
	})
	return grant, nil
}

// Revoke transitions a grant to revoked. The grant must belong to the given
// tenant; a grant id from another tenant is indistinguishable from a missing
// one, so revocation authority never reaches across tenants. Revoking a grant
// that has already expired naturally still succeeds and records revoked_at,
// so the audit trail distinguishes "revoked early" from "expired". Revoking
// twice fails with ErrAlreadyInactive.
func (s *Service) Revoke(ctx context.Context, revokerID, grantID string, tenant membership.TenantRef) error {
	revokerID = strings.TrimSpace(revokerID)
	grantID = strings.TrimSpace(grantID)
	if revokerID == "" || grantID == "" || tenant.ClubID == "" {
		return fmt.Errorf("%w: revoker, grant id and tenant are required", ErrInvalidInput)
	}
	grant, err := s.store.Get(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.Tenant != tenant {
		return ErrNotFound
	}
	if err := s.store.Revoke(ctx, grantID, revokerID, s.now().UTC()); err != nil {
		return err
	}
	s.emitter.Record(ctx, audit.Record{
		ActorID:    revokerID,
		Action:     audit.ActionGrantRevoked,
		TargetType: "grant",
		TargetID:   grantID,
		TenantID:   grant.Tenant.ClubID,
		Metadata: map[string]string{
			"grantee_id": grant.GranteeID,
		},
	})
	return nil
}

// ActiveRoles computes the currently-active granted role set for a
// principal/tenant pair. Pure read; activity is decided against the clock on
// every call.
func (s *Service) ActiveRoles(ctx context.Context, principalID string, tenant membership.TenantRef) ([]string, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" || tenant.ClubID == "" {
		return nil, fmt.Errorf("%w: principal and tenant are required", ErrInvalidInput)
	}
	list, err := s.store.ListForGrantee(ctx, tenant, principalID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	now := s.now().UTC()
	set := make(map[string]struct{})
	for _, g := range list {
		if !g.ActiveAt(now) {
			continue
		}
		for _, role := range g.Roles {
			set[role] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Strings(out)
	return out, nil
}

// List returns currently-active grants for a tenant, for the admin surface.
func (s *Service) List(ctx context.Context, tenant membership.TenantRef, limit int) ([]Grant, error) {
	if tenant.ClubID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListForTenant(ctx, tenant, s.now().UTC(), limit)
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
