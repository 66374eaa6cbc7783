package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAPIKeyStore is the database-backed APIKeyStore (spec §3's
// api_keys table), joining the owning service account's roles and org_id
// the way ApiKey's doc comment requires ("repo-joined fields ... never
// present on the raw row").
type PostgresAPIKeyStore struct {
	pool *pgxpool.Pool
}

func NewPostgresAPIKeyStore(pool *pgxpool.Pool) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{pool: pool}
}

const getAPIKeyByHashQuery = `
SELECT
	k.id, k.key_prefix, k.key_hash, k.name,
	k.owner_kind, k.owner_org_id, k.owner_user_id, k.owner_team_id, k.owner_project_id, k.owner_service_account_id,
	k.budget_limit_cents, k.budget_period, k.expires_at, k.revoked_at,
	k.rotated_from_key_id, k.rotation_grace_until,
	k.scopes, k.allowed_models, k.ip_allowlist, k.rate_limit_rpm, k.rate_limit_tpm,
	k.created_at, k.last_used_at,
	sa.roles,
	COALESCE(k.owner_org_id, t.org_id, p.org_id, sa.org_id) AS resolved_org_id
FROM api_keys k
LEFT JOIN teams t ON t.id = k.owner_team_id
LEFT JOIN projects p ON p.id = k.owner_project_id
LEFT JOIN service_accounts sa ON sa.id = k.owner_service_account_id
WHERE k.key_hash = $1`

// GetAPIKeyByHash implements APIKeyStore. The repo join resolves org_id for
// every owner kind (direct on Organization-owned keys, via teams/projects
// for Team/Project-owned keys, via service_accounts for ServiceAccount-owned
// keys) since the principal-derivation table (spec §4.5) needs org_id
// regardless of which owner kind produced the key.
func (s *PostgresAPIKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	row := s.pool.QueryRow(ctx, getAPIKeyByHashQuery, hash)

	var k ApiKey
	var ownerKind string
	var saRoles []string
	var resolvedOrgID *uuid.UUID

	err := row.Scan(
		&k.ID, &k.KeyPrefix, &k.KeyHash, &k.Name,
		&ownerKind, &k.Owner.OrgID, &k.Owner.UserID, &k.Owner.TeamID, &k.Owner.ProjectID, &k.Owner.ServiceAccountID,
		&k.BudgetLimitCents, &k.BudgetPeriod, &k.ExpiresAt, &k.RevokedAt,
		&k.RotatedFromKeyID, &k.RotationGraceUntil,
		&k.Scopes, &k.AllowedModels, &k.IPAllowlist, &k.RateLimitRPM, &k.RateLimitTPM,
		&k.CreatedAt, &k.LastUsedAt,
		&saRoles,
		&resolvedOrgID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key by hash: %w", err)
	}

	k.Owner.Kind = ApiKeyOwnerKind(ownerKind)
	k.ServiceAccountID = k.Owner.ServiceAccountID
	k.ServiceAccountRoles = saRoles
	k.OrgID = resolvedOrgID
	return &k, nil
}

const updateAPIKeyLastUsedQuery = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`

// UpdateAPIKeyLastUsed implements APIKeyStore.
func (s *PostgresAPIKeyStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.pool.Exec(ctx, updateAPIKeyLastUsedQuery, id, at); err != nil {
		return fmt.Errorf("updating api key last_used_at: %w", err)
	}
	return nil
}
