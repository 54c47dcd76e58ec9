// Package assurance tracks second-factor enrollment and decides the
// assurance level of the current session. Every ambiguous state fails
// closed; a caller never proceeds as elevated on an error.
package assurance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/identity"
	"rosterhq.org/internal/ids"
)

const (
	otpIssuer  = "rosterhq"
	totpPeriod = 30

	pendingTTL = 10 * time.Minute
)

// Service owns MfaFactor and BackupCode rows and the per-session elevation
// window. Per session the state machine is
// NoFactor -> Enrolling -> Enrolled(base) -> Elevated.
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

// NewService constructs the assurance enforcer.
func NewService(store Store, emitter *audit.Emitter, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("assurance: store is required")
	}
	if emitter == nil {
		return nil, errors.New("assurance: audit emitter is required")
	}
	s := &Service{store: store, emitter: emitter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// BeginEnrollment issues a fresh secret for the principal. The secret is
// held as a pending enrollment; it never reaches the trusted factor set
// until a correct code proves the authenticator computed it. Calling again
// replaces the previous pending secret.
func (s *Service) BeginEnrollment(ctx context.Context, principalID, accountName string) (Enrollment, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Enrollment{}, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if _, err := s.store.GetFactor(ctx, principalID); err == nil {
		return Enrollment{}, ErrFactorExists
	} else if !errors.Is(err, ErrNotFound) {
		return Enrollment{}, fmt.Errorf("look up factor: %w", err)
	}

	accountName = strings.TrimSpace(accountName)
	if accountName == "" {
		accountName = principalID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      otpIssuer,
		AccountName: accountName,
		Period:      totpPeriod,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate secret: %w", err)
	}

	now := s.now().UTC()
	pending := PendingEnrollment{
		PrincipalID: principalID,
		Secret:      key.Secret(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(pendingTTL),
	}
	if err := s.store.UpsertPending(ctx, &pending); err != nil {
		return Enrollment{}, fmt.Errorf("store pending enrollment: %w", err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.String(), ExpiresAt: pending.ExpiresAt}, nil
}

// ConfirmEnrollment verifies a code against the pending secret. On success
// the factor and a batch of single-use backup codes are persisted in one
// transaction and the plaintext codes are returned, exactly once. On failure
// the pending secret stays usable for further attempts; there is no lockout
// here, rate limiting is the transport's concern. A missing or expired
// pending enrollment is indistinguishable from a wrong code.
func (s *Service) ConfirmEnrollment(ctx context.Context, principalID, code, friendlyName string) (Factor, []string, error) {
	principalID = strings.TrimSpace(principalID)
	code = strings.TrimSpace(code)
	if principalID == "" || code == "" {
		return Factor{}, nil, fmt.Errorf("%w: principal and code are required", ErrInvalidInput)
	}
	pending, err := s.store.GetPending(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Factor{}, nil, ErrInvalidCode
		}
		return Factor{}, nil, fmt.Errorf("look up pending enrollment: %w", err)
	}
	now := s.now().UTC()
	if now.After(pending.ExpiresAt) {
		return Factor{}, nil, ErrInvalidCode
	}
	if _, ok := matchTOTP(code, pending.Secret, now); !ok {
		return Factor{}, nil, ErrInvalidCode
	}

	plaintext, err := generateBackupCodes()
	if err != nil {
		return Factor{}, nil, err
	}
	codes := make([]BackupCode, 0, len(plaintext))
	for _, c := range plaintext {
		hash, err := hashBackupCode(c)
		if err != nil {
			return Factor{}, nil, err
		}
		codes = append(codes, BackupCode{
			ID:          ids.New(),
			PrincipalID: principalID,
			CodeHash:    hash,
			CreatedAt:   now,
		})
	}
	factor := Factor{
		ID:           ids.New(),
		PrincipalID:  principalID,
		Secret:       pending.Secret,
		FriendlyName: strings.TrimSpace(friendlyName),
		EnrolledAt:   now,
	}
	if err := s.store.ConfirmFactor(ctx, &factor, codes); err != nil {
		return Factor{}, nil, fmt.Errorf("confirm factor: %w", err)
	}

	s.emitter.Record(ctx, audit.Record{
		ActorID:    principalID,
		Action:     audit.ActionFactorEnrolled,
		TargetType: "mfa_factor",
		TargetID:   factor.ID,
		Metadata:   map[string]string{"friendly_name": factor.FriendlyName},
	})
	return factor, plaintext, nil
}

// VerifyChallenge elevates the principal's current session. Exactly one of
// code and backupCode must be set. A time-based code is accepted for the
// current and immediately adjacent windows only, and never twice for the
// same window. Consuming the credential and recording the elevation is one
// store transaction: when the elevation cannot be written the code stays
// usable. Of two concurrent requests presenting the same backup code one
// gets ErrConflict.
func (s *Service) VerifyChallenge(ctx context.Context, principal identity.Principal, code, backupCode string) error {
	code = strings.TrimSpace(code)
	backupCode = strings.TrimSpace(backupCode)
	if principal.ID == "" || principal.SessionID == "" {
		return fmt.Errorf("%w: principal and session are required", ErrInvalidInput)
	}
	if principal.SessionExpiry.IsZero() {
		return fmt.Errorf("%w: session expiry is required", ErrInvalidInput)
	}
	if (code == "") == (backupCode == "") {
		return fmt.Errorf("%w: exactly one of code and backup_code is required", ErrInvalidInput)
	}

	factor, err := s.store.GetFactor(ctx, principal.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("look up factor: %w", err)
	}

	now := s.now().UTC()
	elevation := Elevation{
		PrincipalID: principal.ID,
		SessionID:   principal.SessionID,
		FactorID:    factor.ID,
		ElevatedAt:  now,
		ExpiresAt:   principal.SessionExpiry,
	}

	method := "totp"
	if code != "" {
		step, ok := matchTOTP(code, factor.Secret, now)
		if !ok {
			return ErrInvalidCode
		}
		advanced, err := s.store.ElevateWithStep(ctx, factor.ID, step, &elevation)
		if err != nil {
			return fmt.Errorf("elevate with totp: %w", err)
		}
		if !advanced {
			// Replay: this window was already accepted.
			return ErrInvalidCode
		}
	} else {
		method = "backup_code"
		codeID, err := s.matchBackupCode(ctx, principal.ID, backupCode)
		if err != nil {
			return err
		}
		if err := s.store.ElevateWithBackupCode(ctx, codeID, &elevation); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return fmt.Errorf("elevate with backup code: %w", err)
		}
	}

	s.emitter.Record(ctx, audit.Record{
		ActorID:    principal.ID,
		Action:     audit.ActionChallengePassed,
		TargetType: "mfa_factor",
		TargetID:   factor.ID,
		Metadata:   map[string]string{"method": method},
	})
	return nil
}

// matchBackupCode finds the unconsumed code the plaintext hashes to. The
// row is not consumed here; the store does that together with the elevation
// write so the two cannot come apart.
func (s *Service) matchBackupCode(ctx context.Context, principalID, code string) (string, error) {
	codes, err := s.store.ListUnconsumedBackupCodes(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("list backup codes: %w", err)
	}
	for _, candidate := range codes {
		if verifyBackupCode(candidate.CodeHash, code) == nil {
			return candidate.ID, nil
		}
	}
	return "", ErrInvalidCode
}

// Unenroll removes the factor and all its backup codes atomically. Sessions
// already elevated on the factor keep their elevation; the next Level call
// for the principal reports base until a new factor is enrolled.
func (s *Service) Unenroll(ctx context.Context, actorID, principalID, factorID string) error {
	actorID = strings.TrimSpace(actorID)
	principalID = strings.TrimSpace(principalID)
	factorID = strings.TrimSpace(factorID)
	if actorID == "" || principalID == "" || factorID == "" {
		return fmt.Errorf("%w: actor, principal and factor are required", ErrInvalidInput)
	}
	if err := s.store.DeleteFactor(ctx, principalID, factorID); err != nil {
		return err
	}
	s.emitter.Record(ctx, audit.Record{
		ActorID:    actorID,
		Action:     audit.ActionFactorRemoved,
		TargetType: "mfa_factor",
		TargetID:   factorID,
		Metadata:   map[string]string{"principal_id": principalID},
	})
	return nil
}

// ResetPrincipal removes the principal's factor and any pending enrollment
// on behalf of a club owner whose member lost their authenticator. The
// caller has already been authorized for the tenant; tenantID scopes the
// audit record to it. ErrNotFound when the principal has neither a factor
// nor a pending enrollment.
func (s *Service) ResetPrincipal(ctx context.Context, actorID, principalID, tenantID string) error {
	actorID = strings.TrimSpace(actorID)
	principalID = strings.TrimSpace(principalID)
	if actorID == "" || principalID == "" {
		return fmt.Errorf("%w: actor and principal are required", ErrInvalidInput)
	}

	factor, err := s.store.GetFactor(ctx, principalID)
	switch {
	case err == nil:
		if err := s.store.DeleteFactor(ctx, principalID, factor.ID); err != nil {
			return err
		}
	case errors.Is(err, ErrNotFound):
		// A half-finished enrollment is still resettable.
		if _, err := s.store.GetPending(ctx, principalID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("look up pending enrollment: %w", err)
		}
	default:
		return fmt.Errorf("look up factor: %w", err)
	}
	if err := s.store.DeletePending(ctx, principalID); err != nil {
		return fmt.Errorf("delete pending enrollment: %w", err)
	}

	rec := audit.Record{
		ActorID:    actorID,
		Action:     audit.ActionFactorReset,
		TargetType: "principal",
		TargetID:   principalID,
		TenantID:   tenantID,
	}
	if factor.ID != "" {
		rec.Metadata = map[string]string{"factor_id": factor.ID}
	}
	s.emitter.Record(ctx, rec)
	return nil
}

// Factor returns the principal's confirmed factor, if any.
func (s *Service) Factor(ctx context.Context, principalID string) (Factor, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Factor{}, fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	return s.store.GetFactor(ctx, principalID)
}

// Level recomputes the session's assurance: elevated iff a confirmed factor
// exists and a successful challenge happened within the session window. The
// issuer-asserted level on the token counts only while the factor it was
// based on still exists, so removing a factor fails the next check closed.
func (s *Service) Level(ctx context.Context, principal identity.Principal) (identity.Level, error) {
	if principal.ID == "" || principal.SessionID == "" {
		return identity.LevelBase, fmt.Errorf("%w: principal and session are required", ErrInvalidInput)
	}
	if _, err := s.store.GetFactor(ctx, principal.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return identity.LevelBase, nil
		}
		return identity.LevelBase, fmt.Errorf("look up factor: %w", err)
	}
	if principal.Assurance == identity.LevelElevated {
		return identity.LevelElevated, nil
	}
	elevation, err := s.store.GetElevation(ctx, principal.ID, principal.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return identity.LevelBase, nil
		}
		return identity.LevelBase, fmt.Errorf("look up elevation: %w", err)
	}
	if s.now().UTC().Before(elevation.ExpiresAt) {
		return identity.LevelElevated, nil
	}
	return identity.LevelBase, nil
}

// matchTOTP validates a code against the current window and its immediate
// neighbors, one window at a time, and reports which time step matched so
// the caller can reject replays of that step.
func matchTOTP(code, secret string, now time.Time) (int64, bool) {
	base := now.Unix() / totpPeriod
	for _, offset := range []int64{0, -1, 1} {
		at := time.Unix((base+offset)*totpPeriod, 0).UTC()
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return base + offset, true
		}
	}
	return 0, false
}
