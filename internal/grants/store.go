package grants

import (
	"context"
	"time"

	"rosterhq.org/internal/membership"
)

// Store describes the persistence contract the ledger owns. No other
// component touches grant rows directly.
type Store interface {
	Create(ctx context.Context, grant *Grant) error
	Get(ctx context.Context, id string) (Grant, error)
	// Revoke performs the single conditional transition revoked_at nil ->
	// set. Returns ErrNotFound when the grant does not exist and
	// ErrAlreadyInactive when it was revoked before.
	Revoke(ctx context.Context, id, revokerID string, at time.Time) error
	// ListForGrantee returns all grants for a grantee in a tenant, revoked
	// and expired included; the service decides activity from the clock.
	ListForGrantee(ctx context.Context, tenant membership.TenantRef, granteeID string) ([]Grant, error)
	// ListForTenant returns unrevoked grants expiring after the given
	// instant, newest first.
	ListForTenant(ctx context.Context, tenant membership.TenantRef, after time.Time, limit int) ([]Grant, error)
}
