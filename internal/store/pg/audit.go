package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rosterhq.org/internal/audit"
)

// AuditStore appends and reads audit records. Rows are never updated or
// deleted here; retention is a database policy concern.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

// Audit returns the emitter's store.
func (s *Store) Audit() *AuditStore { return &AuditStore{db: s.db} }

func (a *AuditStore) Append(ctx context.Context, rec *audit.Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		insert into audit_records
			(id, occurred_at, actor_id, action, target_type, target_id, tenant_id, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.OccurredAt, rec.ActorID, rec.Action,
		rec.TargetType, rec.TargetID, rec.TenantID, metadata)
	return err
}

func (a *AuditStore) Recent(ctx context.Context, tenantID string, limit int) ([]audit.Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		select id, occurred_at, actor_id, action, target_type, target_id, tenant_id, metadata
		from audit_records
		where tenant_id=$1
		order by id desc
		limit $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec      audit.Record
			metadata []byte
		)
		if err := rows.Scan(&rec.ID, &rec.OccurredAt, &rec.ActorID, &rec.Action,
			&rec.TargetType, &rec.TargetID, &rec.TenantID, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
