package assurance

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("assurance: invalid input")
	ErrNotFound     = errors.New("assurance: not found")
	ErrFactorExists = errors.New("assurance: a factor is already enrolled")
	ErrInvalidCode  = errors.New("assurance: code rejected")
	ErrConflict     = errors.New("assurance: backup code already consumed")
)

// Factor is a confirmed authenticator. A principal holds zero or one.
type Factor struct {
	ID           string    `json:"id"`
	PrincipalID  string    `json:"principal_id"`
	Secret       string    `json:"-"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	EnrolledAt   time.Time `json:"enrolled_at"`
	// LastUsedStep is the newest TOTP time step accepted for this factor.
	// Strictly increasing; a code for an already-seen step is a replay.
	LastUsedStep *int64 `json:"-"`
}

// PendingEnrollment is a secret issued by BeginEnrollment that has not been
// proven yet. It never counts as a trusted factor.
type PendingEnrollment struct {
	PrincipalID string
	Secret      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// BackupCode is a one-time fallback credential. Only the argon2id hash is
// stored; the plaintext is shown exactly once at enrollment.
type BackupCode struct {
	ID          string
	PrincipalID string
	CodeHash    string
	CreatedAt   time.Time
	ConsumedAt  *time.Time
}

// Elevation records a successful second-factor challenge for one session.
// It expires with the session, so a fresh session always starts at base.
type Elevation struct {
	PrincipalID string
	SessionID   string
	FactorID    string
	ElevatedAt  time.Time
	ExpiresAt   time.Time
}

// Enrollment is returned by BeginEnrollment.
type Enrollment struct {
	Secret    string    `json:"secret"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
