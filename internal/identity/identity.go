package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "rosterhq"
	secretEnvVariable = "ROSTER_AUTH_SECRET"
)

var (
	errMissingSecret = errors.New("identity secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrUnauthenticated indicates the credential failed verification. Any
// verification error collapses into this value; callers never see a partial
// identity.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Level is the authentication strength asserted for the current session.
type Level string

const (
	LevelBase     Level = "base"
	LevelElevated Level = "elevated"
)

// Principal is a verified identity acting within a single session.
// SessionExpiry bounds everything derived from the session, including any
// assurance elevation granted during it.
type Principal struct {
	ID            string
	SessionID     string
	Assurance     Level
	IssuerRoles   []string
	SessionExpiry time.Time
}

// Claims carries the identity-provider assertions this core consumes.
type Claims struct {
	SessionID string   `json:"sid"`
	Assurance string   `json:"assurance"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Sign mints an HS256 identity token. Token issuance belongs to the external
// auth provider; this lives here so tests and the dev issuer share one format.
func Sign(principalID, sessionID string, level Level, roles []string, ttl time.Duration) (string, error) {
	principalID = strings.TrimSpace(principalID)
	sessionID = strings.TrimSpace(sessionID)
	if principalID == "" || sessionID == "" {
		return "", errors.New("principal and session ids are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		SessionID: sessionID,
		Assurance: string(level),
		Roles:     dedupeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Resolve verifies the inbound credential and returns the principal it
// asserts. Fails closed: expiry, bad signature, malformed or missing claims
// all yield ErrUnauthenticated.
func Resolve(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return Principal{}, err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthenticated
		}
		return secretBytes, nil
	})
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrUnauthenticated
	}
	if err := validateClaims(claims); err != nil {
		return Principal{}, ErrUnauthenticated
	}
	level := LevelBase
	if claims.Assurance == string(LevelElevated) {
		level = LevelElevated
	}
	return Principal{
		ID:            claims.Subject,
		SessionID:     claims.SessionID,
		Assurance:     level,
		IssuerRoles:   dedupeRoles(claims.Roles),
		SessionExpiry: claims.ExpiresAt.Time,
	}, nil
}

func validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.SessionID) == "" {
		return errors.New("session id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	switch claims.Assurance {
	case string(LevelBase), string(LevelElevated):
	default:
		return fmt.Errorf("unknown assurance level: %s", claims.Assurance)
	}
	now := time.Now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
