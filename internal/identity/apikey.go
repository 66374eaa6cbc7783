package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/apierr"
)

// HashAPIKey returns the hex-encoded SHA-256 digest of a raw API key. Only
// the hash is ever persisted or looked up.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyStore is the persistence seam an APIKeyAuthenticator needs.
type APIKeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*ApiKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// APIKeyAuthenticator validates the API-key credential form and builds the
// ApiKeyAuth shape consumed by DerivePrincipal.
type APIKeyAuthenticator struct {
	Store  APIKeyStore
	Prefix string
	Logger *slog.Logger
}

func NewAPIKeyAuthenticator(store APIKeyStore, prefix string, logger *slog.Logger) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{Store: store, Prefix: prefix, Logger: logger}
}

// LooksLikeAPIKey reports whether raw carries this deployment's API key
// prefix, the rule used at ingress to distinguish a bearer API key from a
// bearer JWT (spec §4.5).
func (a *APIKeyAuthenticator) LooksLikeAPIKey(raw string) bool {
	return strings.HasPrefix(raw, a.Prefix)
}

// VerifyAPIKey hashes rawKey, looks it up, checks effectiveness, and
// schedules a fire-and-forget last-used timestamp update.
func (a *APIKeyAuthenticator) VerifyAPIKey(ctx context.Context, rawKey string) (*ApiKeyAuth, error) {
	if rawKey == "" {
		return nil, apierr.New(apierr.InvalidAPIKeyFormat, "api key is empty")
	}
	if !a.LooksLikeAPIKey(rawKey) {
		return nil, apierr.New(apierr.InvalidAPIKeyFormat, "api key does not carry the expected prefix")
	}

	hash := HashAPIKey(rawKey)
	key, err := a.Store.GetAPIKeyByHash(ctx, hash)
	if err != nil || key == nil {
		return nil, apierr.New(apierr.InvalidAPIKey, "api key not recognized")
	}

	if !key.IsEffective(time.Now()) {
		return nil, apierr.New(apierr.ExpiredAPIKey, "api key is revoked or expired")
	}

	if a.Store != nil {
		go func(id uuid.UUID) {
			updCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Store.UpdateAPIKeyLastUsed(updCtx, id, time.Now()); err != nil && a.Logger != nil {
				a.Logger.Warn("updating api key last_used_at", "error", err)
			}
		}(key.ID)
	}

	return &ApiKeyAuth{
		APIKeyID:            key.ID,
		KeyPrefix:           key.KeyPrefix,
		Owner:               key.Owner,
		OrgID:               key.OrgID,
		ServiceAccountID:    key.ServiceAccountID,
		ServiceAccountRoles: key.ServiceAccountRoles,
		Scopes:              key.Scopes,
		AllowedModels:       key.AllowedModels,
		IPAllowlist:         key.IPAllowlist,
		RateLimitRPM:        key.RateLimitRPM,
		RateLimitTPM:        key.RateLimitTPM,
	}, nil
}
