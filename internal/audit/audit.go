// Package audit durably records every privilege-affecting change. Records
// are append-only; nothing in this core mutates or deletes them.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"rosterhq.org/internal/ids"
	"rosterhq.org/internal/obs"
)

// Action kinds recorded by the core.
const (
	ActionGrantCreated    = "grant.created"
	ActionGrantRevoked    = "grant.revoked"
	ActionFactorEnrolled  = "mfa.factor.enrolled"
	ActionFactorRemoved   = "mfa.factor.removed"
	ActionFactorReset     = "mfa.factor.reset"
	ActionChallengePassed = "mfa.challenge.passed"
	ActionContextSwitched = "context.switched"
)

// Record is one append-only audit row.
type Record struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store appends immutable records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, tenantID string, limit int) ([]Record, error)
}

// Emitter writes audit records and mirrors them as structured log lines.
// A transient sink failure is surfaced to monitoring but never fails the
// operation that triggered the record: the caller has already committed.
type Emitter struct {
	store Store
	now   func() time.Time
}

// Option configures Emitter behavior.
type Option func(*Emitter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Emitter) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEmitter constructs an Emitter.
func NewEmitter(store Store, opts ...Option) (*Emitter, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	e := &Emitter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Record appends the event. Records for one actor are written synchronously
// in call order, so their timestamps are monotone per principal.
func (e *Emitter) Record(ctx context.Context, rec Record) {
	rec.Action = strings.TrimSpace(rec.Action)
	if rec.Action == "" {
		return
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = e.now().UTC()
	}

	entry := map[string]any{
		"ts":     rec.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  rec.Action,
		"actor":  rec.ActorID,
		"target": rec.TargetType + "/" + rec.TargetID,
	}
	if rec.TenantID != "" {
		entry["tenant_id"] = rec.TenantID
	}
	if len(rec.Metadata) > 0 {
		entry["fields"] = rec.Metadata
	}
	obs.LogEvent(entry)

	if err := e.store.Append(ctx, &rec); err != nil {
		obs.ObserveAuditFailure()
		obs.LogEvent(map[string]any{
			"level": "error",
			"msg":   "audit append failed",
			"event": rec.Action,
			"error": err.Error(),
		})
	}
}

// Recent returns the newest records for a tenant.
func (e *Emitter) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return e.store.Recent(ctx, strings.TrimSpace(tenantID), limit)
}
