package pg

import (
	"context"
	"database/sql"
	"errors"

	"rosterhq.org/internal/assurance"
)

// AssuranceStore persists factors, backup codes and session elevations.
type AssuranceStore struct {
	db *sql.DB
}

var _ assurance.Store = (*AssuranceStore)(nil)

// Assurance returns the enforcer's store.
func (s *Store) Assurance() *AssuranceStore { return &AssuranceStore{db: s.db} }

func (a *AssuranceStore) UpsertPending(ctx context.Context, pending *assurance.PendingEnrollment) error {
	_, err := a.db.ExecContext(ctx, `
		insert into mfa_pending_enrollments (principal_id, secret, created_at, expires_at)
		values ($1,$2,$3,$4)
		on conflict (principal_id) do update
		set secret=excluded.secret, created_at=excluded.created_at, expires_at=excluded.expires_at
	`, pending.PrincipalID, pending.Secret, pending.CreatedAt, pending.ExpiresAt)
	return err
}

func (a *AssuranceStore) GetPending(ctx context.Context, principalID string) (assurance.PendingEnrollment, error) {
	var pending assurance.PendingEnrollment
	err := a.db.QueryRowContext(ctx, `
		select principal_id, secret, created_at, expires_at
		from mfa_pending_enrollments where principal_id=$1
	`, principalID).Scan(&pending.PrincipalID, &pending.Secret, &pending.CreatedAt, &pending.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return assurance.PendingEnrollment{}, assurance.ErrNotFound
	}
	return pending, err
}

func (a *AssuranceStore) DeletePending(ctx context.Context, principalID string) error {
	_, err := a.db.ExecContext(ctx,
		`delete from mfa_pending_enrollments where principal_id=$1`, principalID)
	return err
}

func (a *AssuranceStore) ConfirmFactor(ctx context.Context, factor *assurance.Factor, codes []assurance.BackupCode) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into mfa_factors (id, principal_id, secret, friendly_name, enrolled_at)
		values ($1,$2,$3,$4,$5)
	`, factor.ID, factor.PrincipalID, factor.Secret, factor.FriendlyName, factor.EnrolledAt); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
			insert into mfa_backup_codes (id, principal_id, code_hash, created_at)
			values ($1,$2,$3,$4)
		`, code.ID, code.PrincipalID, code.CodeHash, code.CreatedAt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`delete from mfa_pending_enrollments where principal_id=$1`, factor.PrincipalID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *AssuranceStore) GetFactor(ctx context.Context, principalID string) (assurance.Factor, error) {
	var (
		factor       assurance.Factor
		friendlyName sql.NullString
		lastUsedStep sql.NullInt64
	)
	err := a.db.QueryRowContext(ctx, `
		select id, principal_id, secret, friendly_name, enrolled_at, last_used_step
		from mfa_factors where principal_id=$1
	`, principalID).Scan(&factor.ID, &factor.PrincipalID, &factor.Secret,
		&friendlyName, &factor.EnrolledAt, &lastUsedStep)
	if errors.Is(err, sql.ErrNoRows) {
		return assurance.Factor{}, assurance.ErrNotFound
	}
	if err != nil {
		return assurance.Factor{}, err
	}
	if friendlyName.Valid {
		factor.FriendlyName = friendlyName.String
	}
	if lastUsedStep.Valid {
		step := lastUsedStep.Int64
		factor.LastUsedStep = &step
	}
	return factor, nil
}

func (a *AssuranceStore) DeleteFactor(ctx context.Context, principalID, factorID string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`delete from mfa_factors where id=$1 and principal_id=$2`, factorID, principalID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return assurance.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`delete from mfa_backup_codes where principal_id=$1`, principalID); err != nil {
		return err
	}
	return tx.Commit()
}

// ElevateWithStep advances the factor step and upserts the elevation in one
// transaction. The conditional update is the replay check; a loss there
// rolls back without touching session_elevations.
func (a *AssuranceStore) ElevateWithStep(ctx context.Context, factorID string, step int64, elevation *assurance.Elevation) (bool, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update mfa_factors set last_used_step=$2
		where id=$1 and (last_used_step is null or last_used_step < $2)
	`, factorID, step)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	if err := upsertElevation(ctx, tx, elevation); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (a *AssuranceStore) ListUnconsumedBackupCodes(ctx context.Context, principalID string) ([]assurance.BackupCode, error) {
	rows, err := a.db.QueryContext(ctx, `
		select id, principal_id, code_hash, created_at
		from mfa_backup_codes
		where principal_id=$1 and consumed_at is null
		order by id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assurance.BackupCode
	for rows.Next() {
		var code assurance.BackupCode
		if err := rows.Scan(&code.ID, &code.PrincipalID, &code.CodeHash, &code.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

// ElevateWithBackupCode consumes the code and upserts the elevation in one
// transaction. The conditional update is the check and the mark in a single
// statement, so two concurrent requests can never both consume one code,
// and a failed elevation write rolls the consumption back.
func (a *AssuranceStore) ElevateWithBackupCode(ctx context.Context, codeID string, elevation *assurance.Elevation) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update mfa_backup_codes set consumed_at=now()
		where id=$1 and consumed_at is null
	`, codeID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return assurance.ErrConflict
	}
	if err := upsertElevation(ctx, tx, elevation); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertElevation(ctx context.Context, tx *sql.Tx, elevation *assurance.Elevation) error {
	_, err := tx.ExecContext(ctx, `
		insert into session_elevations (principal_id, session_id, factor_id, elevated_at, expires_at)
		values ($1,$2,$3,$4,$5)
		on conflict (principal_id, session_id) do update
		set factor_id=excluded.factor_id, elevated_at=excluded.elevated_at, expires_at=excluded.expires_at
	`, elevation.PrincipalID, elevation.SessionID, elevation.FactorID,
		elevation.ElevatedAt, elevation.ExpiresAt)
	return err
}

func (a *AssuranceStore) GetElevation(ctx context.Context, principalID, sessionID string) (assurance.Elevation, error) {
	var elevation assurance.Elevation
	err := a.db.QueryRowContext(ctx, `
		select principal_id, session_id, factor_id, elevated_at, expires_at
		from session_elevations where principal_id=$1 and session_id=$2
	`, principalID, sessionID).Scan(&elevation.PrincipalID, &elevation.SessionID,
		&elevation.FactorID, &elevation.ElevatedAt, &elevation.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return assurance.Elevation{}, assurance.ErrNotFound
	}
	return elevation, err
}
