package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/secrets"
)

// providerCacheTTL and orgAccessCacheTTL are the dynamic-provider resolver's
// two cache lifetimes (spec §4.7, §6).
const (
	providerCacheTTL  = 10 * time.Minute
	orgAccessCacheTTL = 5 * time.Minute
)

// Cache is the byte-cache capability the resolver needs; satisfied by
// internal/platform.Cache (wired in production) or a fake in tests.
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ProviderOwnerKind discriminates who a DynamicProvider belongs to.
type ProviderOwnerKind string

const (
	OwnerOrganization ProviderOwnerKind = "organization"
	OwnerProject      ProviderOwnerKind = "project"
	OwnerTeam         ProviderOwnerKind = "team"
	OwnerUser         ProviderOwnerKind = "user"
)

// ProviderOwner identifies which entity a DynamicProvider row belongs to.
type ProviderOwner struct {
	Kind      ProviderOwnerKind
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	TeamID    uuid.UUID
	UserID    uuid.UUID
}

// DynamicProvider is a database-backed provider definition (spec §3).
type DynamicProvider struct {
	ID              uuid.UUID
	Name            string
	ProviderType    string
	Owner           ProviderOwner
	BaseURL         string
	APIKeySecretRef *string
	Models          []string
	IsEnabled       bool
	Config          json.RawMessage
}

// Organization, Project, Team and User are the minimal owner-chain shapes
// the resolver needs from the database — just enough to walk from a slug to
// an org ID, and from a project/team ID back up to its owning org.
type Organization struct{ ID uuid.UUID }
type Project struct{ ID, OrgID uuid.UUID }
type Team struct{ ID, OrgID uuid.UUID }
type User struct{ ID uuid.UUID }

// OrganizationLookup resolves an org slug to its row.
type OrganizationLookup interface {
	GetBySlug(ctx context.Context, slug string) (*Organization, bool, error)
}

// ProjectLookup resolves a project by slug-within-org or by ID.
type ProjectLookup interface {
	GetBySlug(ctx context.Context, orgID uuid.UUID, slug string) (*Project, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Project, bool, error)
}

// TeamLookup resolves a team by slug-within-org or by ID.
type TeamLookup interface {
	GetBySlug(ctx context.Context, orgID uuid.UUID, slug string) (*Team, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Team, bool, error)
}

// UserLookup resolves a user by ID or by IdP external_id.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, bool, error)
}

// OrgMembershipLookup answers whether a user belongs to an org, for the
// access check's database fallback path.
type OrgMembershipLookup interface {
	HasMembership(ctx context.Context, userID, orgID uuid.UUID) (bool, error)
}

// ProviderLookup resolves a DynamicProvider by owner and name.
type ProviderLookup interface {
	GetByOwner(ctx context.Context, owner ProviderOwner, name string) (*DynamicProvider, bool, error)
}

// ProviderDB is the full set of repositories the dynamic provider resolver
// needs, mirroring the original implementation's DbPool accessor methods
// (db.organizations(), db.projects(), ...).
type ProviderDB interface {
	Organizations() OrganizationLookup
	Projects() ProjectLookup
	Teams() TeamLookup
	Users() UserLookup
	OrgMemberships() OrgMembershipLookup
	Providers() ProviderLookup
}

// ResolvedProvider is a resolved dynamic route's provider configuration.
type ResolvedProvider struct {
	ProviderName   string
	ProviderConfig ProviderConfig
	Model          string
}

// ResolveDynamicProvider resolves a DynamicRoute to a provider
// configuration: cache first (still access-checked on a hit, to prevent a
// cached provider config from leaking across principals), then database
// lookup by scope, enabled check, access check, cache write, and finally
// secret resolution into a ProviderConfig (spec §4.7).
func ResolveDynamicProvider(
	ctx context.Context,
	route *DynamicRoute,
	db ProviderDB,
	cache Cache,
	secretMgr secrets.Resolver,
	auth *identity.AuthenticatedRequest,
) (*ResolvedProvider, *RoutingError) {
	if cache != nil {
		if cached, ok := getCachedProvider(ctx, route, cache); ok {
			if err := verifyProviderAccess(ctx, cached.Owner, auth, db, cache); err != nil {
				return nil, err
			}
			cfg, err := dynamicProviderToConfig(ctx, cached, secretMgr)
			if err != nil {
				return nil, err
			}
			return &ResolvedProvider{ProviderName: cached.Name, ProviderConfig: cfg, Model: route.Model}, nil
		}
	}

	provider, err := lookupProvider(ctx, route, db)
	if err != nil {
		return nil, err
	}

	// Disabled is ProviderNotFound, not Forbidden: existence of a disabled
	// provider must not leak to a caller who shouldn't see it either way.
	if !provider.IsEnabled {
		return nil, newErr(ErrProviderNotFound, "provider %q is disabled", route.ProviderName)
	}

	if err := verifyProviderAccess(ctx, provider.Owner, auth, db, cache); err != nil {
		return nil, err
	}

	if cache != nil {
		cacheProvider(ctx, route, provider, cache)
	}

	cfg, cerr := dynamicProviderToConfig(ctx, provider, secretMgr)
	if cerr != nil {
		return nil, cerr
	}

	return &ResolvedProvider{ProviderName: provider.Name, ProviderConfig: cfg, Model: route.Model}, nil
}

func lookupProvider(ctx context.Context, route *DynamicRoute, db ProviderDB) (*DynamicProvider, *RoutingError) {
	switch route.Scope.Kind {
	case ScopeOrganization:
		org, ok, err := db.Organizations().GetBySlug(ctx, route.Scope.OrgSlug)
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up org: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "organization %q not found", route.Scope.OrgSlug)
		}
		return fetchProvider(ctx, db, ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, route, fmt.Sprintf("org %q", route.Scope.OrgSlug))

	case ScopeProject:
		org, ok, err := db.Organizations().GetBySlug(ctx, route.Scope.OrgSlug)
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up org: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "organization %q not found", route.Scope.OrgSlug)
		}
		project, ok, err := db.Projects().GetBySlug(ctx, org.ID, route.Scope.ProjectSlug)
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up project: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "project %q not found in org %q", route.Scope.ProjectSlug, route.Scope.OrgSlug)
		}
		return fetchProvider(ctx, db, ProviderOwner{Kind: OwnerProject, ProjectID: project.ID}, route, fmt.Sprintf("project %q", route.Scope.ProjectSlug))

	case ScopeTeam:
		org, ok, err := db.Organizations().GetBySlug(ctx, route.Scope.OrgSlug)
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up org: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "organization %q not found", route.Scope.OrgSlug)
		}
		team, ok, err := db.Teams().GetBySlug(ctx, org.ID, route.Scope.TeamSlug)
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up team: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "team %q not found in org %q", route.Scope.TeamSlug, route.Scope.OrgSlug)
		}
		return fetchProvider(ctx, db, ProviderOwner{Kind: OwnerTeam, TeamID: team.ID}, route, fmt.Sprintf("team %q", route.Scope.TeamSlug))

	case ScopeUser:
		var (
			user *User
			ok   bool
			err  error
		)
		if id, perr := uuid.Parse(route.Scope.UserID); perr == nil {
			user, ok, err = db.Users().GetByID(ctx, id)
		} else {
			user, ok, err = db.Users().GetByExternalID(ctx, route.Scope.UserID)
		}
		if err != nil {
			return nil, newErr(ErrInvalidScope, "looking up user: %v", err)
		}
		if !ok {
			return nil, newErr(ErrInvalidScope, "user %q not found", route.Scope.UserID)
		}
		return fetchProvider(ctx, db, ProviderOwner{Kind: OwnerUser, UserID: user.ID}, route, fmt.Sprintf("user %q", route.Scope.UserID))

	default:
		return nil, newErr(ErrInvalidScope, "unrecognized scope kind")
	}
}

func fetchProvider(ctx context.Context, db ProviderDB, owner ProviderOwner, route *DynamicRoute, ownerDesc string) (*DynamicProvider, *RoutingError) {
	provider, ok, err := db.Providers().GetByOwner(ctx, owner, route.ProviderName)
	if err != nil {
		return nil, newErr(ErrProviderNotFound, "looking up provider: %v", err)
	}
	if !ok {
		rerr := newErr(ErrProviderNotFound, "provider %q not found for %s", route.ProviderName, ownerDesc)
		rerr.ProviderName = route.ProviderName
		return nil, rerr
	}
	return provider, nil
}

// verifyProviderAccess checks that the requesting principal may use a
// provider owned by owner. With no authenticated request, there is no
// principal to check — API-level auth middleware enforces auth
// requirements separately; this function only gates dynamic providers.
// Every failure mode collapses to ProviderNotFound (fail closed, never
// Forbidden — existence of an org/project/team-scoped provider must not
// leak to a principal outside it).
func verifyProviderAccess(ctx context.Context, owner ProviderOwner, auth *identity.AuthenticatedRequest, db ProviderDB, cache Cache) *RoutingError {
	if auth == nil {
		return nil
	}

	notFound := func() *RoutingError { return newErr(ErrProviderNotFound, "provider not found") }

	switch owner.Kind {
	case OwnerUser:
		requester := authUserID(auth)
		if requester == nil || *requester != owner.UserID {
			return notFound()
		}
	case OwnerOrganization:
		if !userHasOrgAccess(ctx, auth, owner.OrgID, db, cache) {
			return notFound()
		}
	case OwnerProject:
		project, ok, err := db.Projects().GetByID(ctx, owner.ProjectID)
		if err != nil || !ok {
			return notFound()
		}
		if !userHasOrgAccess(ctx, auth, project.OrgID, db, cache) {
			return notFound()
		}
	case OwnerTeam:
		team, ok, err := db.Teams().GetByID(ctx, owner.TeamID)
		if err != nil || !ok {
			return notFound()
		}
		if !userHasOrgAccess(ctx, auth, team.OrgID, db, cache) {
			return notFound()
		}
	}

	return nil
}

// userHasOrgAccess checks org membership: a fast path off the API key's own
// org scope, then a cache lookup, then a database membership query whose
// result is cached for 5 minutes.
func userHasOrgAccess(ctx context.Context, auth *identity.AuthenticatedRequest, orgID uuid.UUID, db ProviderDB, cache Cache) bool {
	if auth.ApiKey != nil && auth.ApiKey.OrgID != nil && *auth.ApiKey.OrgID == orgID {
		return true
	}

	userID := authUserID(auth)
	if userID == nil {
		return false
	}

	key := orgAccessCacheKey(*userID, orgID)
	if cache != nil {
		if b, ok, err := cache.GetBytes(ctx, key); err == nil && ok {
			return len(b) > 0 && b[0] == 1
		}
	}

	hasAccess, _ := db.OrgMemberships().HasMembership(ctx, *userID, orgID)

	if cache != nil {
		var v byte
		if hasAccess {
			v = 1
		}
		_ = cache.SetBytes(ctx, key, []byte{v}, orgAccessCacheTTL)
	}

	return hasAccess
}

func authUserID(auth *identity.AuthenticatedRequest) *uuid.UUID {
	if auth.Identity != nil && auth.Identity.UserID != nil {
		return auth.Identity.UserID
	}
	if auth.ApiKey != nil && auth.ApiKey.Owner.Kind == identity.OwnerUser {
		return auth.ApiKey.Owner.UserID
	}
	return nil
}

func scopeCacheParts(s Scope) (string, string) {
	switch s.Kind {
	case ScopeOrganization:
		return "org", s.OrgSlug
	case ScopeProject:
		return "project", s.OrgSlug + ":" + s.ProjectSlug
	case ScopeTeam:
		return "team", s.OrgSlug + ":" + s.TeamSlug
	case ScopeUser:
		return "user", s.OrgSlug + ":" + s.UserID
	default:
		return "", ""
	}
}

func dynamicProviderCacheKey(route *DynamicRoute) string {
	scopeStr, scopeID := scopeCacheParts(route.Scope)
	return fmt.Sprintf("dyn_provider:%s:%s:%s", scopeStr, scopeID, route.ProviderName)
}

func orgAccessCacheKey(userID, orgID uuid.UUID) string {
	return fmt.Sprintf("org_access:%s:%s", userID, orgID)
}

func getCachedProvider(ctx context.Context, route *DynamicRoute, cache Cache) (*DynamicProvider, bool) {
	b, ok, err := cache.GetBytes(ctx, dynamicProviderCacheKey(route))
	if err != nil || !ok {
		return nil, false
	}
	var p DynamicProvider
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func cacheProvider(ctx context.Context, route *DynamicRoute, provider *DynamicProvider, cache Cache) {
	b, err := json.Marshal(provider)
	if err != nil {
		return
	}
	_ = cache.SetBytes(ctx, dynamicProviderCacheKey(route), b, providerCacheTTL)
}

// resolveProviderSecret wraps secrets.ResolveSecret, translating its
// apierr.Error into this package's RoutingError.
func resolveProviderSecret(ctx context.Context, ref *string, mgr secrets.Resolver) (*string, *RoutingError) {
	val, err := secrets.ResolveSecret(ctx, ref, mgr)
	if err != nil {
		return nil, newErr(ErrConfigError, "%v", err)
	}
	return val, nil
}

// dynamicProviderToConfig converts a DynamicProvider row into a
// ProviderConfig, resolving its API key secret reference.
func dynamicProviderToConfig(ctx context.Context, provider *DynamicProvider, mgr secrets.Resolver) (ProviderConfig, *RoutingError) {
	apiKey, rerr := resolveProviderSecret(ctx, provider.APIKeySecretRef, mgr)
	if rerr != nil {
		return ProviderConfig{}, rerr
	}

	switch provider.ProviderType {
	case "openai", "open_ai", "openai_compatible":
		return ProviderConfig{Kind: ProviderOpenAI, OpenAI: &OpenAIConfig{
			BaseURL:       provider.BaseURL,
			APIKey:        apiKey,
			AllowedModels: provider.Models,
		}}, nil

	case "anthropic":
		baseURL := provider.BaseURL
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
		key := ""
		if apiKey != nil {
			key = *apiKey
		}
		return ProviderConfig{Kind: ProviderAnthropic, Anthropic: &AnthropicConfig{
			APIKey:        key,
			BaseURL:       baseURL,
			AllowedModels: provider.Models,
		}}, nil

	case "azure_openai", "azure_open_ai":
		// base_url is used as the Azure resource name, e.g.
		// "https://myresource.openai.azure.com" -> "myresource".
		resourceName := strings.TrimPrefix(provider.BaseURL, "https://")
		resourceName = strings.TrimSuffix(resourceName, ".openai.azure.com")
		resourceName = strings.TrimSuffix(resourceName, ".openai.azure.com/")
		key := ""
		if apiKey != nil {
			key = *apiKey
		}
		return ProviderConfig{Kind: ProviderAzureOpenAI, AzureOpenAI: &AzureOpenAIConfig{
			ResourceName:  resourceName,
			APIVersion:    "2024-02-01",
			APIKey:        key,
			AllowedModels: provider.Models,
		}}, nil

	case "bedrock":
		return dynamicBedrockConfig(ctx, provider, mgr)

	case "vertex":
		return dynamicVertexConfig(ctx, provider, apiKey, mgr)

	case "test":
		return ProviderConfig{Kind: ProviderTest, Test: &TestConfig{
			ModelName:     "test-model",
			AllowedModels: provider.Models,
		}}, nil

	default:
		return ProviderConfig{}, newErr(ErrInvalidScope, "unsupported provider type: %s", provider.ProviderType)
	}
}

func configMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func configSubMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	sub, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return sub
}

func configStr(m map[string]interface{}, key string) *string {
	if m == nil {
		return nil
	}
	s, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func configStrRequired(m map[string]interface{}, key, providerType string) (string, *RoutingError) {
	s := configStr(m, key)
	if s == nil {
		return "", newErr(ErrInvalidScope, "%s provider config requires %q", providerType, key)
	}
	return *s, nil
}

// resolveConfigSecretOrLiteralRef reads a literal config value, or resolves
// its "_ref" counterpart through the secret manager. A resolution failure
// (or no secret manager configured) falls back to the raw ref string as a
// literal, matching the original implementation's credential-block
// resolution, which swallows resolve errors here rather than propagating
// them (unlike the top-level api_key_secret_ref resolution).
func resolveConfigSecretOrLiteralRef(ctx context.Context, creds map[string]interface{}, literalKey, refKey string, mgr secrets.Resolver) string {
	if v := configStr(creds, literalKey); v != nil {
		return *v
	}
	ref := configStr(creds, refKey)
	if ref == nil {
		return ""
	}
	if resolved, err := secrets.ResolveSecret(ctx, ref, mgr); err == nil && resolved != nil {
		return *resolved
	}
	return *ref
}

func parseAWSCredentials(ctx context.Context, m map[string]interface{}, mgr secrets.Resolver) (AWSCredentials, *RoutingError) {
	creds := configSubMap(m, "credentials")
	credType := "static"
	if t := configStr(creds, "type"); t != nil {
		credType = *t
	}
	if credType != "static" {
		return AWSCredentials{}, newErr(ErrConfigError,
			"dynamic providers cannot use AWS credential type %q (sources from server environment); use 'static' credentials instead", credType)
	}

	var sessionToken *string
	if v := configStr(creds, "session_token"); v != nil {
		sessionToken = v
	}

	return AWSCredentials{
		AccessKeyID:     resolveConfigSecretOrLiteralRef(ctx, creds, "access_key_id", "access_key_id_ref", mgr),
		SecretAccessKey: resolveConfigSecretOrLiteralRef(ctx, creds, "secret_access_key", "secret_access_key_ref", mgr),
		SessionToken:    sessionToken,
	}, nil
}

func parseGCPCredentials(ctx context.Context, m map[string]interface{}, mgr secrets.Resolver) (GCPCredentialsKind, *GCPServiceAccountJSON, *RoutingError) {
	creds := configSubMap(m, "credentials")
	credType := "service_account_json"
	if t := configStr(creds, "type"); t != nil {
		credType = *t
	}
	if credType != "service_account_json" {
		return "", nil, newErr(ErrConfigError,
			"dynamic providers cannot use GCP credential type %q (sources from server environment); use 'service_account_json' or API key mode instead", credType)
	}

	return GCPCredentialsServiceAccountJSON, &GCPServiceAccountJSON{
		JSON: resolveConfigSecretOrLiteralRef(ctx, creds, "json", "json_ref", mgr),
	}, nil
}

func dynamicBedrockConfig(ctx context.Context, provider *DynamicProvider, mgr secrets.Resolver) (ProviderConfig, *RoutingError) {
	m := configMap(provider.Config)

	region, rerr := configStrRequired(m, "region", "Bedrock")
	if rerr != nil {
		return ProviderConfig{}, rerr
	}
	creds, rerr := parseAWSCredentials(ctx, m, mgr)
	if rerr != nil {
		return ProviderConfig{}, rerr
	}

	return ProviderConfig{Kind: ProviderBedrock, Bedrock: &BedrockConfig{
		Region:              region,
		Credentials:         creds,
		InferenceProfileARN: configStr(m, "inference_profile_arn"),
		ConverseBaseURL:     configStr(m, "converse_base_url"),
		AllowedModels:       provider.Models,
	}}, nil
}

func dynamicVertexConfig(ctx context.Context, provider *DynamicProvider, apiKey *string, mgr secrets.Resolver) (ProviderConfig, *RoutingError) {
	m := configMap(provider.Config)
	publisher := "google"
	if p := configStr(m, "publisher"); p != nil {
		publisher = *p
	}
	baseURL := configStr(m, "base_url")

	if apiKey != nil {
		return ProviderConfig{Kind: ProviderVertex, Vertex: &VertexConfig{
			APIKey:          apiKey,
			Publisher:       publisher,
			BaseURL:         baseURL,
			CredentialsKind: GCPCredentialsDefault,
			AllowedModels:   provider.Models,
		}}, nil
	}

	project, rerr := configStrRequired(m, "project", "Vertex")
	if rerr != nil {
		return ProviderConfig{}, rerr
	}
	region, rerr := configStrRequired(m, "region", "Vertex")
	if rerr != nil {
		return ProviderConfig{}, rerr
	}

	credKind, svcAccount, rerr := parseGCPCredentials(ctx, m, mgr)
	if rerr != nil {
		return ProviderConfig{}, rerr
	}

	return ProviderConfig{Kind: ProviderVertex, Vertex: &VertexConfig{
		Project:            &project,
		Region:             &region,
		Publisher:          publisher,
		BaseURL:            baseURL,
		CredentialsKind:    credKind,
		ServiceAccountJSON: svcAccount,
		AllowedModels:      provider.Models,
	}}, nil
}

// ResolvedProviderInfo is the uniform result of resolving a Route — static
// or dynamic — to a concrete provider configuration, for use by API
// handlers that don't care which kind of route produced it.
type ResolvedProviderInfo struct {
	ProviderName   string
	ProviderConfig ProviderConfig
	Model          string
	// Source is "static" for config-defined providers, "dynamic" for
	// database-defined providers.
	Source string
}

// ResolveToProvider resolves a Route (static or dynamic) to a
// ResolvedProviderInfo, performing the database lookup, access check, and
// secret resolution for dynamic routes.
func ResolveToProvider(
	ctx context.Context,
	route *Route,
	staticConfigs StaticProviderConfigs,
	db ProviderDB,
	cache Cache,
	secretMgr secrets.Resolver,
	auth *identity.AuthenticatedRequest,
) (*ResolvedProviderInfo, *RoutingError) {
	if route.Static != nil {
		cfg, ok := staticConfigs.Get(route.Static.ProviderName)
		if !ok {
			rerr := newErr(ErrProviderNotFound, "provider %q not found", route.Static.ProviderName)
			rerr.ProviderName = route.Static.ProviderName
			return nil, rerr
		}
		return &ResolvedProviderInfo{
			ProviderName:   route.Static.ProviderName,
			ProviderConfig: cfg,
			Model:          route.Static.Model,
			Source:         "static",
		}, nil
	}

	if db == nil {
		return nil, newErr(ErrInvalidScope, "database required for dynamic providers")
	}

	resolved, err := ResolveDynamicProvider(ctx, route.Dynamic, db, cache, secretMgr, auth)
	if err != nil {
		return nil, err
	}
	return &ResolvedProviderInfo{
		ProviderName:   resolved.ProviderName,
		ProviderConfig: resolved.ProviderConfig,
		Model:          resolved.Model,
		Source:         "dynamic",
	}, nil
}
