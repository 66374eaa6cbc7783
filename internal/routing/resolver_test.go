package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/secrets"
)

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *fakeCache) SetBytes(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.data[key] = value
	return nil
}

type fakeOrgRepo struct {
	bySlug map[string]*Organization
}

func (f *fakeOrgRepo) GetBySlug(_ context.Context, slug string) (*Organization, bool, error) {
	o, ok := f.bySlug[slug]
	return o, ok, nil
}

type fakeProjectRepo struct {
	bySlug map[string]*Project
	byID   map[uuid.UUID]*Project
}

func (f *fakeProjectRepo) GetBySlug(_ context.Context, orgID uuid.UUID, slug string) (*Project, bool, error) {
	p, ok := f.bySlug[orgID.String()+":"+slug]
	return p, ok, nil
}

func (f *fakeProjectRepo) GetByID(_ context.Context, id uuid.UUID) (*Project, bool, error) {
	p, ok := f.byID[id]
	return p, ok, nil
}

type fakeTeamRepo struct {
	bySlug map[string]*Team
	byID   map[uuid.UUID]*Team
}

func (f *fakeTeamRepo) GetBySlug(_ context.Context, orgID uuid.UUID, slug string) (*Team, bool, error) {
	t, ok := f.bySlug[orgID.String()+":"+slug]
	return t, ok, nil
}

func (f *fakeTeamRepo) GetByID(_ context.Context, id uuid.UUID) (*Team, bool, error) {
	t, ok := f.byID[id]
	return t, ok, nil
}

type fakeUserRepo struct {
	byID       map[uuid.UUID]*User
	byExternal map[string]*User
}

func (f *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, bool, error) {
	u, ok := f.byID[id]
	return u, ok, nil
}

func (f *fakeUserRepo) GetByExternalID(_ context.Context, externalID string) (*User, bool, error) {
	u, ok := f.byExternal[externalID]
	return u, ok, nil
}

type fakeMembershipRepo struct {
	members map[uuid.UUID]map[uuid.UUID]bool
}

func (f *fakeMembershipRepo) HasMembership(_ context.Context, userID, orgID uuid.UUID) (bool, error) {
	return f.members[userID][orgID], nil
}

func ownerKey(owner ProviderOwner, name string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", owner.Kind, owner.OrgID, owner.ProjectID, owner.TeamID, owner.UserID, name)
}

type fakeProviderRepo struct {
	providers map[string]*DynamicProvider
}

func (f *fakeProviderRepo) GetByOwner(_ context.Context, owner ProviderOwner, name string) (*DynamicProvider, bool, error) {
	p, ok := f.providers[ownerKey(owner, name)]
	return p, ok, nil
}

type fakeDB struct {
	orgs        *fakeOrgRepo
	projects    *fakeProjectRepo
	teams       *fakeTeamRepo
	users       *fakeUserRepo
	memberships *fakeMembershipRepo
	providers   *fakeProviderRepo
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		orgs:        &fakeOrgRepo{bySlug: map[string]*Organization{}},
		projects:    &fakeProjectRepo{bySlug: map[string]*Project{}, byID: map[uuid.UUID]*Project{}},
		teams:       &fakeTeamRepo{bySlug: map[string]*Team{}, byID: map[uuid.UUID]*Team{}},
		users:       &fakeUserRepo{byID: map[uuid.UUID]*User{}, byExternal: map[string]*User{}},
		memberships: &fakeMembershipRepo{members: map[uuid.UUID]map[uuid.UUID]bool{}},
		providers:   &fakeProviderRepo{providers: map[string]*DynamicProvider{}},
	}
}

func (d *fakeDB) Organizations() OrganizationLookup     { return d.orgs }
func (d *fakeDB) Projects() ProjectLookup               { return d.projects }
func (d *fakeDB) Teams() TeamLookup                     { return d.teams }
func (d *fakeDB) Users() UserLookup                     { return d.users }
func (d *fakeDB) OrgMemberships() OrgMembershipLookup   { return d.memberships }
func (d *fakeDB) Providers() ProviderLookup             { return d.providers }

func grantMembership(db *fakeDB, userID, orgID uuid.UUID) {
	if db.memberships.members[userID] == nil {
		db.memberships.members[userID] = map[uuid.UUID]bool{}
	}
	db.memberships.members[userID][orgID] = true
}

func TestResolveDynamicProvider_OrgScopeOpenAI(t *testing.T) {
	db := newFakeDB()
	org := &Organization{ID: uuid.New()}
	db.orgs.bySlug["acme"] = org
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, "my-llm")] = &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: true,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, BaseURL: "https://openrouter.example/v1",
	}

	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}

	resolved, err := ResolveDynamicProvider(context.Background(), route, db, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.ProviderConfig.Kind != ProviderOpenAI || resolved.ProviderConfig.OpenAI.BaseURL != "https://openrouter.example/v1" {
		t.Fatalf("unexpected config: %+v", resolved.ProviderConfig)
	}
	if resolved.ProviderConfig.OpenAI.APIKey != nil {
		t.Fatal("no secret ref was set, expected nil api key")
	}
}

func TestResolveDynamicProvider_DisabledProvider(t *testing.T) {
	db := newFakeDB()
	org := &Organization{ID: uuid.New()}
	db.orgs.bySlug["acme"] = org
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, "my-llm")] = &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: false,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID},
	}

	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}

	_, err := ResolveDynamicProvider(context.Background(), route, db, nil, nil, nil)
	if err == nil || err.Code != ErrProviderNotFound {
		t.Fatalf("expected ErrProviderNotFound for disabled provider, got %v", err)
	}
}

func TestResolveDynamicProvider_OrgAccessDenied(t *testing.T) {
	db := newFakeDB()
	org := &Organization{ID: uuid.New()}
	db.orgs.bySlug["acme"] = org
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, "my-llm")] = &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: true,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID},
	}

	userID := uuid.New()
	auth := &identity.AuthenticatedRequest{Kind: identity.KindIdentity, Identity: &identity.Identity{UserID: &userID}}

	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}

	_, err := ResolveDynamicProvider(context.Background(), route, db, nil, nil, auth)
	if err == nil || err.Code != ErrProviderNotFound {
		t.Fatalf("expected ErrProviderNotFound (not Forbidden) for denied access, got %v", err)
	}
}

func TestResolveDynamicProvider_OrgAccessGrantedViaAPIKeyFastPath(t *testing.T) {
	db := newFakeDB()
	org := &Organization{ID: uuid.New()}
	db.orgs.bySlug["acme"] = org
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, "my-llm")] = &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: true,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID},
	}

	auth := &identity.AuthenticatedRequest{Kind: identity.KindAPIKey, ApiKey: &identity.ApiKeyAuth{OrgID: &org.ID}}

	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}

	if _, err := ResolveDynamicProvider(context.Background(), route, db, nil, nil, auth); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveDynamicProvider_CacheHitStillVerifiesAccess(t *testing.T) {
	db := newFakeDB()
	cache := newFakeCache()

	orgID := uuid.New()
	provider := &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: true,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: orgID},
	}
	raw, err := json.Marshal(provider)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}
	cache.data[dynamicProviderCacheKey(route)] = raw

	userID := uuid.New()
	auth := &identity.AuthenticatedRequest{Kind: identity.KindIdentity, Identity: &identity.Identity{UserID: &userID}}

	// db.orgs and db.providers are left empty: a correct cache hit never
	// touches them, so a bug that bypasses the cache would surface here
	// as an unexpected ErrInvalidScope instead of a clean access denial.
	_, rerr := ResolveDynamicProvider(context.Background(), route, db, cache, nil, auth)
	if rerr == nil || rerr.Code != ErrProviderNotFound {
		t.Fatalf("expected cache hit to still be access-checked, got %v", rerr)
	}

	grantMembership(db, userID, orgID)
	resolved, rerr := ResolveDynamicProvider(context.Background(), route, db, cache, nil, auth)
	if rerr != nil {
		t.Fatalf("unexpected error after granting membership: %v", rerr)
	}
	if resolved.ProviderName != "my-llm" {
		t.Fatalf("unexpected resolved provider: %+v", resolved)
	}
}

func TestResolveDynamicProvider_UserScopeByExternalID(t *testing.T) {
	db := newFakeDB()
	user := &User{ID: uuid.New()}
	db.users.byExternal["okta|u-1"] = user
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerUser, UserID: user.ID}, "personal")] = &DynamicProvider{
		Name: "personal", ProviderType: "anthropic", IsEnabled: true,
		Owner: ProviderOwner{Kind: OwnerUser, UserID: user.ID},
	}

	auth := &identity.AuthenticatedRequest{Kind: identity.KindIdentity, Identity: &identity.Identity{UserID: &user.ID}}
	route := &DynamicRoute{Scope: Scope{Kind: ScopeUser, UserID: "okta|u-1"}, ProviderName: "personal", Model: "claude-3-opus"}

	resolved, err := ResolveDynamicProvider(context.Background(), route, db, nil, nil, auth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.ProviderConfig.Kind != ProviderAnthropic || resolved.ProviderConfig.Anthropic.BaseURL != "https://api.anthropic.com" {
		t.Fatalf("unexpected config: %+v", resolved.ProviderConfig)
	}
}

func TestResolveDynamicProvider_SecretManagerRequiredRefMissing(t *testing.T) {
	db := newFakeDB()
	org := &Organization{ID: uuid.New()}
	db.orgs.bySlug["acme"] = org
	ref := "providers/acme/openai-key"
	db.providers.providers[ownerKey(ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID}, "my-llm")] = &DynamicProvider{
		Name: "my-llm", ProviderType: "open_ai", IsEnabled: true, APIKeySecretRef: &ref,
		Owner: ProviderOwner{Kind: OwnerOrganization, OrgID: org.ID},
	}

	mgr := secrets.NewMemoryResolver(map[string]string{})
	route := &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "my-llm", Model: "gpt-4"}

	_, err := ResolveDynamicProvider(context.Background(), route, db, nil, mgr, nil)
	if err == nil || err.Code != ErrConfigError {
		t.Fatalf("expected ErrConfigError for an unresolved required secret ref, got %v", err)
	}
}

func TestDynamicProviderToConfig_BedrockRejectsNonStaticCredentials(t *testing.T) {
	provider := &DynamicProvider{
		ProviderType: "bedrock",
		Config:       json.RawMessage(`{"region":"us-east-1","credentials":{"type":"default"}}`),
	}

	_, err := dynamicProviderToConfig(context.Background(), provider, nil)
	if err == nil || err.Code != ErrConfigError {
		t.Fatalf("expected ErrConfigError for non-static bedrock credentials, got %v", err)
	}
}

func TestDynamicProviderToConfig_BedrockStaticCredentialsWithSecretRef(t *testing.T) {
	mgr := secrets.NewMemoryResolver(map[string]string{"bedrock/acme/secret": "s3cr3t"})
	provider := &DynamicProvider{
		ProviderType: "bedrock",
		Config: json.RawMessage(`{
			"region": "us-east-1",
			"credentials": {
				"type": "static",
				"access_key_id": "AKIAEXAMPLE",
				"secret_access_key_ref": "bedrock/acme/secret"
			}
		}`),
	}

	cfg, err := dynamicProviderToConfig(context.Background(), provider, mgr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bedrock.Region != "us-east-1" {
		t.Fatalf("unexpected region: %q", cfg.Bedrock.Region)
	}
	if cfg.Bedrock.Credentials.AccessKeyID != "AKIAEXAMPLE" {
		t.Fatalf("unexpected access key: %q", cfg.Bedrock.Credentials.AccessKeyID)
	}
	if cfg.Bedrock.Credentials.SecretAccessKey != "s3cr3t" {
		t.Fatalf("expected secret_access_key_ref to resolve, got %q", cfg.Bedrock.Credentials.SecretAccessKey)
	}
}

func TestDynamicProviderToConfig_BedrockMissingRegion(t *testing.T) {
	provider := &DynamicProvider{
		ProviderType: "bedrock",
		Config:       json.RawMessage(`{"credentials":{"type":"static"}}`),
	}

	_, err := dynamicProviderToConfig(context.Background(), provider, nil)
	if err == nil || err.Code != ErrInvalidScope {
		t.Fatalf("expected ErrInvalidScope for missing region, got %v", err)
	}
}

func TestDynamicProviderToConfig_VertexAPIKeyMode(t *testing.T) {
	ref := "vertex/acme/key"
	mgr := secrets.NewMemoryResolver(map[string]string{ref: "gemini-key"})
	provider := &DynamicProvider{
		ProviderType: "vertex", APIKeySecretRef: &ref,
		Config: json.RawMessage(`{"publisher":"google"}`),
	}

	cfg, err := dynamicProviderToConfig(context.Background(), provider, mgr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vertex.APIKey == nil || *cfg.Vertex.APIKey != "gemini-key" {
		t.Fatalf("expected resolved api key, got %+v", cfg.Vertex.APIKey)
	}
	if cfg.Vertex.Project != nil {
		t.Fatal("API key mode must not require a project")
	}
}

func TestDynamicProviderToConfig_VertexOAuthModeRequiresProjectAndRegion(t *testing.T) {
	provider := &DynamicProvider{
		ProviderType: "vertex",
		Config:       json.RawMessage(`{"credentials":{"type":"service_account_json","json":"{}"}}`),
	}

	_, err := dynamicProviderToConfig(context.Background(), provider, nil)
	if err == nil || err.Code != ErrInvalidScope {
		t.Fatalf("expected ErrInvalidScope for missing project/region, got %v", err)
	}
}

func TestDynamicProviderToConfig_VertexOAuthMode(t *testing.T) {
	provider := &DynamicProvider{
		ProviderType: "vertex",
		Config: json.RawMessage(`{
			"project": "my-gcp-project",
			"region": "us-central1",
			"credentials": {"type": "service_account_json", "json": "{\"client_email\":\"x\"}"}
		}`),
	}

	cfg, err := dynamicProviderToConfig(context.Background(), provider, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vertex.Project == nil || *cfg.Vertex.Project != "my-gcp-project" {
		t.Fatalf("unexpected project: %+v", cfg.Vertex.Project)
	}
	if cfg.Vertex.CredentialsKind != GCPCredentialsServiceAccountJSON {
		t.Fatalf("unexpected credentials kind: %v", cfg.Vertex.CredentialsKind)
	}
}

func TestDynamicProviderToConfig_AzureResourceNameDerivation(t *testing.T) {
	provider := &DynamicProvider{
		ProviderType: "azure_open_ai",
		BaseURL:      "https://myresource.openai.azure.com",
	}

	cfg, err := dynamicProviderToConfig(context.Background(), provider, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AzureOpenAI.ResourceName != "myresource" {
		t.Fatalf("unexpected resource name: %q", cfg.AzureOpenAI.ResourceName)
	}
}

type fakeStaticConfigs struct {
	configs map[string]ProviderConfig
}

func (f *fakeStaticConfigs) Get(name string) (ProviderConfig, bool) {
	c, ok := f.configs[name]
	return c, ok
}

func TestResolveToProvider_StaticRoute(t *testing.T) {
	route := &Route{Static: &StaticRoute{ProviderName: "openrouter", Model: "gpt-4"}}
	static := &fakeStaticConfigs{configs: map[string]ProviderConfig{
		"openrouter": {Kind: ProviderOpenAI, OpenAI: &OpenAIConfig{BaseURL: "https://openrouter.ai/api/v1"}},
	}}

	info, err := ResolveToProvider(context.Background(), route, static, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Source != "static" || info.ProviderName != "openrouter" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestResolveToProvider_StaticProviderNotConfigured(t *testing.T) {
	route := &Route{Static: &StaticRoute{ProviderName: "ghost", Model: "gpt-4"}}
	static := &fakeStaticConfigs{configs: map[string]ProviderConfig{}}

	_, err := ResolveToProvider(context.Background(), route, static, nil, nil, nil, nil)
	if err == nil || err.Code != ErrProviderNotFound {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestResolveToProvider_DynamicRouteRequiresDB(t *testing.T) {
	route := &Route{Dynamic: &DynamicRoute{Scope: Scope{Kind: ScopeOrganization, OrgSlug: "acme"}, ProviderName: "x", Model: "y"}}

	_, err := ResolveToProvider(context.Background(), route, &fakeStaticConfigs{}, nil, nil, nil, nil)
	if err == nil || err.Code != ErrInvalidScope {
		t.Fatalf("expected ErrInvalidScope when db is nil, got %v", err)
	}
}
