package assurance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"rosterhq.org/internal/audit"
	"rosterhq.org/internal/identity"
)

type fakeStore struct {
	mu         sync.Mutex
	pending    map[string]PendingEnrollment
	factors    map[string]Factor // keyed by principal id
	codes      map[string]BackupCode
	elevations map[string]Elevation // keyed by principal|session

	// elevationErr fails the next elevation write; like the real store's
	// transaction, a failed write leaves the credential untouched.
	elevationErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending:    make(map[string]PendingEnrollment),
		factors:    make(map[string]Factor),
		codes:      make(map[string]BackupCode),
		elevations: make(map[string]Elevation),
	}
}

func (f *fakeStore) UpsertPending(_ context.Context, pending *PendingEnrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[pending.PrincipalID] = *pending
	return nil
}

func (f *fakeStore) GetPending(_ context.Context, principalID string) (PendingEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending, ok := f.pending[principalID]
	if !ok {
		return PendingEnrollment{}, ErrNotFound
	}
	return pending, nil
}

func (f *fakeStore) DeletePending(_ context.Context, principalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, principalID)
	return nil
}

func (f *fakeStore) ConfirmFactor(_ context.Context, factor *Factor, codes []BackupCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factors[factor.PrincipalID] = *factor
	for _, code := range codes {
		f.codes[code.ID] = code
	}
	delete(f.pending, factor.PrincipalID)
	return nil
}

func (f *fakeStore) GetFactor(_ context.Context, principalID string) (Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	factor, ok := f.factors[principalID]
	if !ok {
		return Factor{}, ErrNotFound
	}
	return factor, nil
}

func (f *fakeStore) DeleteFactor(_ context.Context, principalID, factorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	factor, ok := f.factors[principalID]
	if !ok || factor.ID != factorID {
		return ErrNotFound
	}
	delete(f.factors, principalID)
	for id, code := range f.codes {
		if code.PrincipalID == principalID {
			delete(f.codes, id)
		}
	}
	return nil
}

func (f *fakeStore) ElevateWithStep(_ context.Context, factorID string, step int64, elevation *Elevation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for principalID, factor := range f.factors {
		if factor.ID != factorID {
			continue
		}
		if factor.LastUsedStep != nil && *factor.LastUsedStep >= step {
			return false, nil
		}
		if f.elevationErr != nil {
			err := f.elevationErr
			f.elevationErr = nil
			return false, err
		}
		factor.LastUsedStep = &step
		f.factors[principalID] = factor
		f.elevations[elevation.PrincipalID+"|"+elevation.SessionID] = *elevation
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) ListUnconsumedBackupCodes(_ context.Context, principalID string) ([]BackupCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BackupCode
	for _, code := range f.codes {
		if code.PrincipalID == principalID && code.ConsumedAt == nil {
			out = append(out, code)
		}
	}
	return out, nil
}

func (f *fakeStore) ElevateWithBackupCode(_ context.Context, codeID string, elevation *Elevation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.codes[codeID]
	if !ok || code.ConsumedAt != nil {
		return ErrConflict
	}
	if f.elevationErr != nil {
		err := f.elevationErr
		f.elevationErr = nil
		return err
	}
	now := time.Now().UTC()
	code.ConsumedAt = &now
	f.codes[codeID] = code
	f.elevations[elevation.PrincipalID+"|"+elevation.SessionID] = *elevation
	return nil
}

func (f *fakeStore) GetElevation(_ context.Context, principalID, sessionID string) (Elevation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	elevation, ok := f.elevations[principalID+"|"+sessionID]
	if !ok {
		return Elevation{}, ErrNotFound
	}
	return elevation, nil
}

type discardAudit struct{}

func (discardAudit) Append(context.Context, *audit.Record) error                 { return nil }
func (discardAudit) Recent(context.Context, string, int) ([]audit.Record, error) { return nil, nil }

func newTestService(t *testing.T, clock func() time.Time) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	emitter, err := audit.NewEmitter(discardAudit{})
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	svc, err := NewService(store, emitter, WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func testPrincipal(now time.Time) identity.Principal {
	return identity.Principal{
		ID:            "user-1",
		SessionID:     "sess-1",
		Assurance:     identity.LevelBase,
		SessionExpiry: now.Add(time.Hour),
	}
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

func TestEnrollmentSurvivesWrongCodes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, func() time.Time { return now })

	enrollment, err := svc.BeginEnrollment(t.Context(), "user-1", "user@club.test")
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	if enrollment.Secret == "" || enrollment.URL == "" {
		t.Fatalf("expected secret and otpauth url, got %+v", enrollment)
	}

	// Three wrong attempts: the factor must never be persisted, and the
	// pending secret must stay usable.
	for i := 0; i < 3; i++ {
		if _, _, err := svc.ConfirmEnrollment(t.Context(), "user-1", "000000", ""); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}
	if _, err := svc.Factor(t.Context(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unverified factor reached the trusted set: %v", err)
	}

	factor, backupCodes, err := svc.ConfirmEnrollment(t.Context(), "user-1", codeAt(t, enrollment.Secret, now), "phone")
	if err != nil {
		t.Fatalf("ConfirmEnrollment with correct code: %v", err)
	}
	if factor.PrincipalID != "user-1" {
		t.Fatalf("unexpected factor: %+v", factor)
	}
	if len(backupCodes) != backupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", backupCodeCount, len(backupCodes))
	}
}

func TestConfirmEnrollmentExpiredPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, _ := newTestService(t, func() time.Time { return clock })

	enrollment, err := svc.BeginEnrollment(t.Context(), "user-1", "")
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}

	clock = now.Add(11 * time.Minute)
	code := codeAt(t, enrollment.Secret, clock)
	if _, _, err := svc.ConfirmEnrollment(t.Context(), "user-1", code, ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for expired pending enrollment, got %v", err)
	}
}

func TestBeginEnrollmentWithExistingFactor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, func() time.Time { return now })

	enrollment, err := svc.BeginEnrollment(t.Context(), "user-1", "")
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	if _, _, err := svc.ConfirmEnrollment(t.Context(), "user-1", codeAt(t, enrollment.Secret, now), ""); err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
	if _, err := svc.BeginEnrollment(t.Context(), "user-1", ""); !errors.Is(err, ErrFactorExists) {
		t.Fatalf("expected ErrFactorExists, got %v", err)
	}
}

func enrollFactor(t *testing.T, svc *Service, now time.Time) []string {
	t.Helper()
	enrollment, err := svc.BeginEnrollment(t.Context(), "user-1", "")
	if err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	_, backupCodes, err := svc.ConfirmEnrollment(t.Context(), "user-1", codeAt(t, enrollment.Secret, now), "")
	if err != nil {
		t.Fatalf("ConfirmEnrollment: %v", err)
	}
	return backupCodes
}

func TestChallengeElevatesAndRejectsReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, store := newTestService(t, func() time.Time { return clock })
	enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	level, err := svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelBase {
		t.Fatalf("expected base before challenge, got %s err=%v", level, err)
	}

	factor := store.factors["user-1"]
	// The code used during enrollment consumed nothing; move one window
	// forward so this challenge has a fresh step.
	clock = now.Add(time.Minute)
	code := codeAt(t, factor.Secret, clock)
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}

	level, err = svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelElevated {
		t.Fatalf("expected elevated after challenge, got %s err=%v", level, err)
	}

	// Same code, same window: replay must be rejected.
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode on replay, got %v", err)
	}
}

func TestChallengeAdjacentWindowTolerance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, store := newTestService(t, func() time.Time { return clock })
	enrollFactor(t, svc, now)
	principal := testPrincipal(now)
	secret := store.factors["user-1"].Secret

	clock = now.Add(10 * time.Minute)
	// A code from the immediately previous window is inside the skew
	// tolerance.
	previous := codeAt(t, secret, clock.Add(-30*time.Second))
	if err := svc.VerifyChallenge(t.Context(), principal, previous, ""); err != nil {
		t.Fatalf("adjacent window rejected: %v", err)
	}

	// Two windows away is outside the tolerance.
	clock = clock.Add(10 * time.Minute)
	stale := codeAt(t, secret, clock.Add(-90*time.Second))
	if err := svc.VerifyChallenge(t.Context(), principal, stale, ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for stale window, got %v", err)
	}
}

func TestBackupCodeConsumedExactlyOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, func() time.Time { return now })
	backupCodes := enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	if err := svc.VerifyChallenge(t.Context(), principal, "", backupCodes[0]); err != nil {
		t.Fatalf("VerifyChallenge with backup code: %v", err)
	}
	// The consumed code is gone from the unconsumed set, so a second use
	// is indistinguishable from an unknown code.
	if err := svc.VerifyChallenge(t.Context(), principal, "", backupCodes[0]); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode on reuse, got %v", err)
	}
	if err := svc.VerifyChallenge(t.Context(), principal, "", "WRONGCODE"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for unknown code, got %v", err)
	}
}

func TestFailedElevationWriteKeepsBackupCode(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, func() time.Time { return now })
	backupCodes := enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	// The store fails once mid-transaction. The code must survive: it was
	// never accepted for an elevation.
	store.elevationErr = errors.New("storage blip")
	if err := svc.VerifyChallenge(t.Context(), principal, "", backupCodes[0]); err == nil {
		t.Fatal("expected challenge to fail when the elevation cannot be written")
	}
	level, err := svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelBase {
		t.Fatalf("expected base after failed challenge, got %s err=%v", level, err)
	}

	// Same code after the store recovers.
	if err := svc.VerifyChallenge(t.Context(), principal, "", backupCodes[0]); err != nil {
		t.Fatalf("retry with the same backup code: %v", err)
	}
	level, err = svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelElevated {
		t.Fatalf("expected elevated after retry, got %s err=%v", level, err)
	}
}

func TestFailedElevationWriteKeepsTotpWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, store := newTestService(t, func() time.Time { return clock })
	enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	clock = now.Add(time.Minute)
	code := codeAt(t, store.factors["user-1"].Secret, clock)

	store.elevationErr = errors.New("storage blip")
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); err == nil {
		t.Fatal("expected challenge to fail when the elevation cannot be written")
	}
	// The window was not burned; the same code elevates on retry.
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); err != nil {
		t.Fatalf("retry with the same code: %v", err)
	}
}

func TestChallengeRequiresExactlyOneCredential(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, func() time.Time { return now })
	backupCodes := enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	if err := svc.VerifyChallenge(t.Context(), principal, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for neither, got %v", err)
	}
	if err := svc.VerifyChallenge(t.Context(), principal, "123456", backupCodes[1]); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for both, got %v", err)
	}
}

func TestUnenrollFailsNextCheckClosed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, store := newTestService(t, func() time.Time { return clock })
	enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	clock = now.Add(time.Minute)
	code := codeAt(t, store.factors["user-1"].Secret, clock)
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}

	factorID := store.factors["user-1"].ID
	if err := svc.Unenroll(t.Context(), "user-1", "user-1", factorID); err != nil {
		t.Fatalf("Unenroll: %v", err)
	}

	// The elevation row survives, but without a factor the next check is
	// base regardless.
	level, err := svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelBase {
		t.Fatalf("expected base after unenroll, got %s err=%v", level, err)
	}
	if err := svc.VerifyChallenge(t.Context(), principal, "123456", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unenroll, got %v", err)
	}
	codes, err := store.ListUnconsumedBackupCodes(t.Context(), "user-1")
	if err != nil || len(codes) != 0 {
		t.Fatalf("expected backup codes removed with factor, got %d err=%v", len(codes), err)
	}
}

func TestResetPrincipalClearsFactorAndCodes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, func() time.Time { return now })
	enrollFactor(t, svc, now)

	if err := svc.ResetPrincipal(t.Context(), "owner-1", "user-1", "club-1"); err != nil {
		t.Fatalf("ResetPrincipal: %v", err)
	}
	if _, err := svc.Factor(t.Context(), "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("factor should be gone, got %v", err)
	}
	codes, err := store.ListUnconsumedBackupCodes(t.Context(), "user-1")
	if err != nil || len(codes) != 0 {
		t.Fatalf("expected backup codes removed, got %d err=%v", len(codes), err)
	}
	// The member can start over right away.
	if _, err := svc.BeginEnrollment(t.Context(), "user-1", ""); err != nil {
		t.Fatalf("re-enrollment after reset: %v", err)
	}
}

func TestResetPrincipalPendingOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, func() time.Time { return now })

	if err := svc.ResetPrincipal(t.Context(), "owner-1", "user-1", "club-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with nothing enrolled, got %v", err)
	}

	if _, err := svc.BeginEnrollment(t.Context(), "user-1", ""); err != nil {
		t.Fatalf("BeginEnrollment: %v", err)
	}
	if err := svc.ResetPrincipal(t.Context(), "owner-1", "user-1", "club-1"); err != nil {
		t.Fatalf("ResetPrincipal with pending enrollment: %v", err)
	}
	// The pending secret is wiped, so any code is now rejected.
	if _, _, err := svc.ConfirmEnrollment(t.Context(), "user-1", "123456", ""); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode after reset, got %v", err)
	}
}

func TestElevationExpiresWithSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, store := newTestService(t, func() time.Time { return clock })
	enrollFactor(t, svc, now)
	principal := testPrincipal(now)

	clock = now.Add(time.Minute)
	code := codeAt(t, store.factors["user-1"].Secret, clock)
	if err := svc.VerifyChallenge(t.Context(), principal, code, ""); err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}

	clock = principal.SessionExpiry.Add(time.Second)
	level, err := svc.Level(t.Context(), principal)
	if err != nil || level != identity.LevelBase {
		t.Fatalf("expected base after session window, got %s err=%v", level, err)
	}

	// A fresh session starts at base even with the same factor.
	fresh := principal
	fresh.SessionID = "sess-2"
	fresh.SessionExpiry = clock.Add(time.Hour)
	level, err = svc.Level(t.Context(), fresh)
	if err != nil || level != identity.LevelBase {
		t.Fatalf("expected base for a new session, got %s err=%v", level, err)
	}
}

func TestBackupCodeHashing(t *testing.T) {
	hash, err := hashBackupCode("ABCD1234")
	if err != nil {
		t.Fatalf("hashBackupCode: %v", err)
	}
	if err := verifyBackupCode(hash, "ABCD1234"); err != nil {
		t.Fatalf("verifyBackupCode: %v", err)
	}
	if err := verifyBackupCode(hash, "ABCD1235"); err == nil {
		t.Fatal("expected mismatch for wrong code")
	}
}
