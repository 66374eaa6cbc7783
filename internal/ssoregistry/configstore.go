package ssoregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConfigStore is the Postgres-backed OIDCConfigSource/SAMLConfigSource:
// the org SSO config tables (spec §4.4) that OIDCRegistry/SAMLRegistry
// load from at startup.
type ConfigStore struct {
	pool *pgxpool.Pool
}

func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

const listEnabledOIDCConfigsQuery = `
SELECT org_id, issuer, client_id, client_secret_ref, redirect_uri, scopes,
	identity_claim, COALESCE(org_claim, ''), COALESCE(groups_claim, ''), session_duration_seconds
FROM oidc_configs
WHERE is_enabled`

// ListEnabledOIDCConfigs implements OIDCConfigSource.
func (s *ConfigStore) ListEnabledOIDCConfigs(ctx context.Context) ([]OrgOIDCConfig, error) {
	rows, err := s.pool.Query(ctx, listEnabledOIDCConfigsQuery)
	if err != nil {
		return nil, fmt.Errorf("listing enabled oidc configs: %w", err)
	}
	defer rows.Close()

	var out []OrgOIDCConfig
	for rows.Next() {
		var c OrgOIDCConfig
		var sessionSeconds int
		if err := rows.Scan(&c.OrgID, &c.Issuer, &c.ClientID, &c.ClientSecretRef, &c.RedirectURI,
			&c.Scopes, &c.IdentityClaim, &c.OrgClaim, &c.GroupsClaim, &sessionSeconds); err != nil {
			return nil, fmt.Errorf("scanning oidc config: %w", err)
		}
		c.SessionDuration = time.Duration(sessionSeconds) * time.Second
		out = append(out, c)
	}
	return out, rows.Err()
}

const listEnabledSAMLConfigsQuery = `
SELECT org_id, idp_sso_url, idp_slo_url, idp_certificate_pem, idp_metadata_url,
	sp_entity_id, sp_acs_url, sp_private_key_pem, sp_certificate_pem, sign_requests,
	name_id_format, force_authn, authn_context_class_ref, email_attribute,
	name_attribute, groups_attribute, identity_attribute, session_duration_seconds
FROM saml_configs
WHERE is_enabled`

// ListEnabledSAMLConfigs implements SAMLConfigSource.
func (s *ConfigStore) ListEnabledSAMLConfigs(ctx context.Context) ([]OrgSAMLConfig, error) {
	rows, err := s.pool.Query(ctx, listEnabledSAMLConfigsQuery)
	if err != nil {
		return nil, fmt.Errorf("listing enabled saml configs: %w", err)
	}
	defer rows.Close()

	var out []OrgSAMLConfig
	for rows.Next() {
		var c OrgSAMLConfig
		var idpSLOURL, idpMetadataURL, spPrivateKeyPEM, spCertificatePEM, authnContextClassRef, nameAttribute, groupsAttribute *string
		var sessionSeconds int
		if err := rows.Scan(&c.OrgID, &c.IdPSSOURL, &idpSLOURL, &c.IdPCertificatePEM, &idpMetadataURL,
			&c.SPEntityID, &c.SPACSURL, &spPrivateKeyPEM, &spCertificatePEM, &c.SignRequests,
			&c.NameIDFormat, &c.ForceAuthn, &authnContextClassRef, &c.EmailAttribute,
			&nameAttribute, &groupsAttribute, &c.IdentityAttribute, &sessionSeconds); err != nil {
			return nil, fmt.Errorf("scanning saml config: %w", err)
		}
		c.IdPSLOURL = deref(idpSLOURL)
		c.IdPMetadataURL = deref(idpMetadataURL)
		c.SPPrivateKeyPEM = deref(spPrivateKeyPEM)
		c.SPCertificatePEM = deref(spCertificatePEM)
		c.AuthnContextClassRef = deref(authnContextClassRef)
		c.NameAttribute = deref(nameAttribute)
		c.GroupsAttribute = deref(groupsAttribute)
		c.SessionDuration = time.Duration(sessionSeconds) * time.Second
		out = append(out, c)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
