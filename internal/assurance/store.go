package assurance

import "context"

// Store is the persistence contract the enforcer owns. Factor and backup
// code rows belong to this component exclusively.
type Store interface {
	UpsertPending(ctx context.Context, pending *PendingEnrollment) error
	GetPending(ctx context.Context, principalID string) (PendingEnrollment, error)
	DeletePending(ctx context.Context, principalID string) error

	// ConfirmFactor persists the factor and its backup codes and removes
	// the pending enrollment in one transaction.
	ConfirmFactor(ctx context.Context, factor *Factor, codes []BackupCode) error
	GetFactor(ctx context.Context, principalID string) (Factor, error)
	// DeleteFactor removes the factor and all its backup codes in one
	// transaction. ErrNotFound when no such factor exists.
	DeleteFactor(ctx context.Context, principalID, factorID string) error

	// ElevateWithStep advances the factor's last_used_step to step and
	// records the elevation in one transaction. The step only advances
	// when strictly greater than the stored value; returns false when
	// another request already consumed this or a later window, and
	// nothing is written in that case.
	ElevateWithStep(ctx context.Context, factorID string, step int64, elevation *Elevation) (bool, error)

	ListUnconsumedBackupCodes(ctx context.Context, principalID string) ([]BackupCode, error)
	// ElevateWithBackupCode marks the code consumed and records the
	// elevation in one transaction, so a failed elevation write never
	// burns the code. ErrConflict when a concurrent request already
	// consumed it.
	ElevateWithBackupCode(ctx context.Context, codeID string, elevation *Elevation) error

	GetElevation(ctx context.Context, principalID, sessionID string) (Elevation, error)
}
