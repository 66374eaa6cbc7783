// Package session implements the abstract keyed session store specified in
// spec §4.1: absolute expiry, inactivity timeout, per-user session index,
// and concurrent-session eviction, over either an in-memory or Redis-backed
// keyed cache.
package session

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DeviceInfo carries request metadata captured at session creation. Strings
// are truncated to 512 UTF-8-safe bytes per spec §3.
type DeviceInfo struct {
	UserAgent         string
	IPAddress         string
	DeviceID          string
	DeviceDescription string
}

// Session is the unified OidcSession/SamlSession shape (spec §3).
type Session struct {
	ID               string
	ExternalID       string
	Email            string
	Name             string
	OrgID            *uuid.UUID
	Groups           []string
	Roles            []string
	AccessToken      string
	RefreshToken     string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	TokenExpiresAt   *time.Time
	SSOOrgID         *uuid.UUID
	SAMLSessionIndex string
	Device           *DeviceInfo
	LastActivity     *time.Time
}

// IsExpired reports whether the session is past its absolute expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsInactive reports whether the session has been idle past timeout.
// timeout <= 0 disables inactivity expiry.
func (s *Session) IsInactive(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || s.LastActivity == nil {
		return false
	}
	return !now.Before(s.LastActivity.Add(timeout))
}

// AuthorizationState is a pending OIDC/SAML flow (spec §3). CodeVerifier
// doubles as the SAML AuthnRequest id for the SAML flow (a deliberate source
// pun carried over from the original implementation, see SPEC_FULL.md §9).
type AuthorizationState struct {
	State        string
	Nonce        string
	CodeVerifier string
	ReturnTo     string
	OrgID        *uuid.UUID
	CreatedAt    time.Time
}

// authStateTTL is the fixed lifetime of a pending authorization state.
const authStateTTL = 10 * time.Minute

// IsExpired reports whether the authorization state has aged out.
func (s *AuthorizationState) IsExpired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > authStateTTL
}

// Store is the capability set exposed by a session backend, polymorphic
// over in-memory and Redis implementations.
type Store interface {
	CreateSession(ctx context.Context, s *Session) (string, error)
	GetSession(ctx context.Context, id string) (*Session, bool, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error

	StoreAuthState(ctx context.Context, s *AuthorizationState) error
	PeekAuthState(ctx context.Context, key string) (*AuthorizationState, bool, error)
	TakeAuthState(ctx context.Context, key string) (*AuthorizationState, bool, error)

	ListUserSessions(ctx context.Context, externalID string) ([]*Session, error)
	CountUserSessions(ctx context.Context, externalID string) (int, error)
	DeleteUserSessions(ctx context.Context, externalID string) error

	// Enhanced reports whether this backend maintains the user-sessions
	// index and therefore supports inactivity/concurrent-session features.
	Enhanced() bool

	// Cleanup is a no-op for TTL-backed stores; in-memory backends use it
	// to sweep expired entries.
	Cleanup(ctx context.Context) error
}

// Config holds the session-validation tunables shared by every authenticator.
type Config struct {
	InactivityTimeout      time.Duration
	ActivityUpdateInterval time.Duration
	MaxConcurrentSessions  int
	Enhanced               bool
}

// Validate implements the shared session-validation algorithm (spec §4.1):
// load, check absolute expiry, check inactivity (enhanced only), and
// rate-limit the last_activity write.
func Validate(ctx context.Context, store Store, id string, cfg Config, now time.Time) (*Session, error) {
	s, ok, err := store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	if s.IsExpired(now) {
		_ = store.DeleteSession(ctx, id)
		return nil, ErrExpired
	}

	if cfg.Enhanced && s.IsInactive(now, cfg.InactivityTimeout) {
		_ = store.DeleteSession(ctx, id)
		return nil, ErrExpired
	}

	if cfg.Enhanced {
		if s.LastActivity == nil || now.Sub(*s.LastActivity) >= cfg.ActivityUpdateInterval {
			last := now
			s.LastActivity = &last
			// Non-fatal: the write-rate limiter degraded, not the session.
			_ = store.UpdateSession(ctx, s)
		}
	}

	return s, nil
}

// EnforceConcurrentSessions implements the post-login eviction rule (spec
// §4.1): if the user now has more than max live sessions, delete the
// oldest ones. Failures are logged by the caller and are non-fatal.
func EnforceConcurrentSessions(ctx context.Context, store Store, externalID string, max int) error {
	if max <= 0 {
		return nil
	}
	count, err := store.CountUserSessions(ctx, externalID)
	if err != nil {
		return err
	}
	if count <= max {
		return nil
	}

	sessions, err := store.ListUserSessions(ctx, externalID)
	if err != nil {
		return err
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })

	excess := len(sessions) - max
	for i := 0; i < excess && i < len(sessions); i++ {
		if err := store.DeleteSession(ctx, sessions[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// Sentinel errors for Validate/backend operations.
var (
	ErrNotFound = storeError("session not found")
	ErrExpired  = storeError("session expired")
)

type storeError string

func (e storeError) Error() string { return string(e) }
