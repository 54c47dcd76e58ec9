// Package tenantctx issues and validates the signed tenant context marker.
// The marker is data carried by the caller, never server-resident session
// state, and membership is re-checked on every resolve so a stale marker can
// not leak capabilities after a membership is revoked.
package tenantctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"rosterhq.org/internal/membership"
)

const (
	issuer            = "rosterhq-context"
	secretEnvVariable = "ROSTER_CONTEXT_SECRET"

	defaultTTL = 30 * time.Minute
)

var (
	errMissingSecret = errors.New("context secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrNoMembership indicates the requested or cached tenant context does not
// correspond to an active membership. Callers must explicitly re-select a
// tenant; there is no silent fallback.
var ErrNoMembership = errors.New("tenantctx: no active membership")

// TenantContext is a validated tenant scope together with its signed marker.
type TenantContext struct {
	Tenant    membership.TenantRef
	Principal string
	ExpiresAt time.Time
	Marker    string
}

type markerClaims struct {
	ClubID     string `json:"club"`
	FacilityID string `json:"facility"`
	jwt.RegisteredClaims
}

// Store resolves tenant context markers against the membership collaborator.
type Store struct {
	members membership.Store
	now     func() time.Time
	ttl     time.Duration
}

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTTL overrides the marker lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore constructs a Store.
func NewStore(members membership.Store, opts ...Option) (*Store, error) {
	if members == nil {
		return nil, errors.New("membership store is required")
	}
	s := &Store{members: members, now: time.Now, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Switch validates membership in the requested tenant and issues a fresh
// marker. A failed switch returns ErrNoMembership and issues nothing, so the
// caller keeps presenting its previous, still-valid marker. Concurrent
// switches from different devices are independent; the marker is caller-held
// state, there is no cross-device lock.
func (s *Store) Switch(ctx context.Context, principalID string, tenant membership.TenantRef) (TenantContext, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" || tenant.ClubID == "" {
		return TenantContext{}, ErrNoMembership
	}
	active, err := s.members.IsActiveMember(ctx, principalID, tenant)
	if err != nil {
		return TenantContext{}, fmt.Errorf("verify membership: %w", err)
	}
	if !active {
		return TenantContext{}, ErrNoMembership
	}
	return s.issue(principalID, tenant)
}

// Resolve returns the tenant context for a request. With a requested tenant
// it behaves as Switch; otherwise the presented marker is parsed and its
// membership re-validated. Absent, invalid or expired markers and revoked
// memberships all fail with ErrNoMembership.
func (s *Store) Resolve(ctx context.Context, principalID string, requested *membership.TenantRef, marker string) (TenantContext, error) {
	if requested != nil {
		return s.Switch(ctx, principalID, *requested)
	}
	tenant, expires, err := s.parseMarker(principalID, marker)
	if err != nil {
		return TenantContext{}, ErrNoMembership
	}
	active, err := s.members.IsActiveMember(ctx, principalID, tenant)
	if err != nil {
		return TenantContext{}, fmt.Errorf("verify membership: %w", err)
	}
	if !active {
		return TenantContext{}, ErrNoMembership
	}
	return TenantContext{
		Tenant:    tenant,
		Principal: principalID,
		ExpiresAt: expires,
		Marker:    marker,
	}, nil
}

func (s *Store) issue(principalID string, tenant membership.TenantRef) (TenantContext, error) {
	secretBytes, err := loadSecret()
	if err != nil {
		return TenantContext{}, err
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := markerClaims{
		ClubID:     tenant.ClubID,
		FacilityID: tenant.FacilityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secretBytes)
	if err != nil {
		return TenantContext{}, fmt.Errorf("sign context marker: %w", err)
	}
	return TenantContext{
		Tenant:    tenant,
		Principal: principalID,
		ExpiresAt: expires,
		Marker:    signed,
	}, nil
}

func (s *Store) parseMarker(principalID, marker string) (membership.TenantRef, time.Time, error) {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return membership.TenantRef{}, time.Time{}, errors.New("marker missing")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return membership.TenantRef{}, time.Time{}, err
	}
	parsed, err := jwt.ParseWithClaims(marker, &markerClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return secretBytes, nil
		},
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		return membership.TenantRef{}, time.Time{}, err
	}
	claims, ok := parsed.Claims.(*markerClaims)
	if !ok || !parsed.Valid {
		return membership.TenantRef{}, time.Time{}, errors.New("invalid marker")
	}
	if claims.Issuer != issuer || claims.Subject != principalID {
		return membership.TenantRef{}, time.Time{}, errors.New("marker subject mismatch")
	}
	if claims.ClubID == "" || claims.ExpiresAt == nil {
		return membership.TenantRef{}, time.Time{}, errors.New("marker claims missing")
	}
	tenant := membership.TenantRef{ClubID: claims.ClubID, FacilityID: claims.FacilityID}
	return tenant, claims.ExpiresAt.Time, nil
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
