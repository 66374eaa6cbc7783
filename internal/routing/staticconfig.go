package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hadrian-run/hadrian/internal/secrets"
)

// StaticProviderDef is one [provider-name] table from the static providers
// TOML file, mirroring original_source's config shape (src/routing/mod.rs's
// test fixture: `default_provider`, then one table per provider name with
// `type`, `api_key`, `base_url`, `allowed_models`). api_key accepts the
// `"${VAR}"` env-var indirection form (spec §6) in addition to a literal.
type StaticProviderDef struct {
	Type          string
	APIKey        string
	BaseURL       string
	AllowedModels []string
}

// StaticConfig is the as-parsed static providers file, before secret
// resolution: a default provider name plus the named provider tables.
type StaticConfig struct {
	DefaultProviderName string
	Providers           map[string]StaticProviderDef
}

// LoadStaticConfig parses a TOML static providers file at path. An empty
// path yields an empty, valid StaticConfig (no static providers configured;
// only scoped/dynamic model strings will resolve).
func LoadStaticConfig(path string) (*StaticConfig, error) {
	cfg := &StaticConfig{Providers: make(map[string]StaticProviderDef)}
	if path == "" {
		return cfg, nil
	}

	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parsing static providers config %q: %w", path, err)
	}

	for name, v := range raw {
		if name == "default_provider" {
			if s, ok := v.(string); ok {
				cfg.DefaultProviderName = s
			}
			continue
		}
		table, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		var def StaticProviderDef
		if t, ok := table["type"].(string); ok {
			def.Type = t
		}
		if ak, ok := table["api_key"].(string); ok {
			def.APIKey = ak
		}
		if bu, ok := table["base_url"].(string); ok {
			def.BaseURL = bu
		}
		if am, ok := table["allowed_models"].([]interface{}); ok {
			for _, m := range am {
				if s, ok := m.(string); ok {
					def.AllowedModels = append(def.AllowedModels, s)
				}
			}
		}
		cfg.Providers[name] = def
	}
	return cfg, nil
}

// ResolvedStaticProviders is the secret-resolved form of StaticConfig. It
// implements ProvidersConfig (the router's lookup) and StaticProviderConfigs
// (the resolver's config lookup), both of which are synchronous,
// context-free interfaces — so resolution happens once, at startup, rather
// than per-request.
type ResolvedStaticProviders struct {
	defaultProvider string
	configs         map[string]ProviderConfig
	models          map[string][]string
}

// Resolve resolves every configured static provider's api_key indirection
// through mgr and converts each to a ProviderConfig, the same conversion
// dynamicProviderToConfig performs for database-defined providers.
func (c *StaticConfig) Resolve(ctx context.Context, mgr secrets.Resolver) (*ResolvedStaticProviders, error) {
	r := &ResolvedStaticProviders{
		defaultProvider: c.DefaultProviderName,
		configs:         make(map[string]ProviderConfig, len(c.Providers)),
		models:          make(map[string][]string, len(c.Providers)),
	}
	for name, def := range c.Providers {
		cfg, err := staticProviderToConfig(ctx, def, mgr)
		if err != nil {
			return nil, fmt.Errorf("static provider %q: %w", name, err)
		}
		r.configs[name] = cfg
		r.models[name] = def.AllowedModels
	}
	return r, nil
}

func staticProviderToConfig(ctx context.Context, def StaticProviderDef, mgr secrets.Resolver) (ProviderConfig, error) {
	var apiKeyRef *string
	if def.APIKey != "" {
		apiKeyRef = &def.APIKey
	}
	apiKey, err := secrets.ResolveSecret(ctx, apiKeyRef, mgr)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("resolving api key: %w", err)
	}

	switch def.Type {
	case "openai", "open_ai", "openai_compatible":
		return ProviderConfig{Kind: ProviderOpenAI, OpenAI: &OpenAIConfig{
			BaseURL:       def.BaseURL,
			APIKey:        apiKey,
			AllowedModels: def.AllowedModels,
		}}, nil

	case "anthropic":
		baseURL := def.BaseURL
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
			AllowedModels: def.AllowedModels,
		}}, nil

	case "azure_openai", "azure_open_ai":
		resourceName := strings.TrimPrefix(def.BaseURL, "https://")
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
			AllowedModels: def.AllowedModels,
		}}, nil

	case "test":
		return ProviderConfig{Kind: ProviderTest, Test: &TestConfig{
			ModelName:     "test-model",
			AllowedModels: def.AllowedModels,
		}}, nil

	default:
		return ProviderConfig{}, fmt.Errorf("unsupported provider type %q", def.Type)
	}
}

// Get implements ProvidersConfig: whether name is a configured static
// provider.
func (r *ResolvedStaticProviders) Get(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// DefaultProvider implements ProvidersConfig.
func (r *ResolvedStaticProviders) DefaultProvider() (string, bool) {
	if r.defaultProvider == "" {
		return "", false
	}
	return r.defaultProvider, true
}

// GetConfig looks up a resolved static provider's ProviderConfig. Named
// distinctly from Get (ProvidersConfig's bool-returning lookup) because a
// single method set can't carry two overloads of the same name.
func (r *ResolvedStaticProviders) GetConfig(name string) (ProviderConfig, bool) {
	cfg, ok := r.configs[name]
	return cfg, ok
}

// staticProviderConfigsAdapter adapts ResolvedStaticProviders.GetConfig to
// the StaticProviderConfigs interface's `Get(name) (ProviderConfig, bool)`
// shape expected by ResolveToProvider.
type staticProviderConfigsAdapter struct{ r *ResolvedStaticProviders }

func (a staticProviderConfigsAdapter) Get(name string) (ProviderConfig, bool) {
	return a.r.GetConfig(name)
}

// AsStaticProviderConfigs returns the StaticProviderConfigs view of r.
func (r *ResolvedStaticProviders) AsStaticProviderConfigs() StaticProviderConfigs {
	return staticProviderConfigsAdapter{r}
}

// ModelsResponse is the OpenAI-compatible `GET /v1/models` listing (spec §6,
// SPEC_FULL.md's supplemental endpoint): static providers' allow-listed
// model names, with a note that scoped (:org/…, :user/…) routes resolve
// per-request.
type ModelsResponse struct {
	Object string          `json:"object"`
	Data   []ModelListItem `json:"data"`
	Note   string          `json:"note"`
}

type ModelListItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels builds the GET /v1/models response body from the configured
// static providers' allow-lists.
func (r *ResolvedStaticProviders) ListModels() ModelsResponse {
	resp := ModelsResponse{
		Object: "list",
		Data:   []ModelListItem{},
		Note:   "scoped (:org/…, :user/…, :project/…, :team/…) routes resolve to dynamic providers per-request and are not listed here",
	}
	for name, models := range r.models {
		for _, model := range models {
			resp.Data = append(resp.Data, ModelListItem{
				ID:      name + "/" + model,
				Object:  "model",
				OwnedBy: name,
			})
		}
	}
	return resp
}
