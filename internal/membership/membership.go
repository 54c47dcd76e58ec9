// Package membership exposes the tenant-membership collaborator contract.
// Membership rows are owned by the team-management side of the application;
// the access-control core only reads them.
package membership

import (
	"context"
	"time"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// TenantRef names the club/facility pair a request is scoped to.
type TenantRef struct {
	ClubID     string `json:"club_id"`
	FacilityID string `json:"facility_id"`
}

// Membership ties a principal to a tenant with its base roles.
type Membership struct {
	PrincipalID string
	Tenant      TenantRef
	Roles       []string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the read contract consumed by the access-control core.
type Store interface {
	// IsActiveMember reports whether the principal currently holds an
	// active membership in the tenant.
	IsActiveMember(ctx context.Context, principalID string, tenant TenantRef) (bool, error)
	// BaseRoles returns the roles the membership itself carries. Empty when
	// the membership is absent or revoked.
	BaseRoles(ctx context.Context, principalID string, tenant TenantRef) ([]string, error)
}
