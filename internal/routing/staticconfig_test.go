package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const testStaticConfigTOML = `
default_provider = "openrouter"

[openrouter]
type = "open_ai"
api_key = "sk-or-xxx"
base_url = "https://openrouter.ai/api/v1"
allowed_models = ["gpt-4o", "gpt-4o-mini"]

[anthropic-direct]
type = "anthropic"
api_key = "sk-ant-xxx"
allowed_models = ["claude-sonnet-4.5"]
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.toml")
	if err := os.WriteFile(path, []byte(testStaticConfigTOML), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadStaticConfig_EmptyPathYieldsEmptyConfig(t *testing.T) {
	cfg, err := LoadStaticConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("Providers = %v, want empty", cfg.Providers)
	}
	if _, ok := cfg.Providers["anything"]; ok {
		t.Error("expected no providers configured")
	}
}

func TestLoadStaticConfig_ParsesProvidersAndDefault(t *testing.T) {
	cfg, err := LoadStaticConfig(writeTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultProviderName != "openrouter" {
		t.Errorf("DefaultProviderName = %q, want openrouter", cfg.DefaultProviderName)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cfg.Providers))
	}
	or := cfg.Providers["openrouter"]
	if or.Type != "open_ai" || or.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("openrouter def = %+v", or)
	}
	if len(or.AllowedModels) != 2 {
		t.Errorf("openrouter.AllowedModels = %v", or.AllowedModels)
	}
}

func TestResolve_ConvertsEachProviderType(t *testing.T) {
	cfg, err := LoadStaticConfig(writeTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := cfg.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	orCfg, ok := resolved.GetConfig("openrouter")
	if !ok || orCfg.Kind != ProviderOpenAI {
		t.Fatalf("openrouter config = %+v, ok=%v", orCfg, ok)
	}
	if orCfg.OpenAI.APIKey == nil || *orCfg.OpenAI.APIKey != "sk-or-xxx" {
		t.Errorf("openrouter api key = %v", orCfg.OpenAI.APIKey)
	}

	anthCfg, ok := resolved.GetConfig("anthropic-direct")
	if !ok || anthCfg.Kind != ProviderAnthropic {
		t.Fatalf("anthropic-direct config = %+v, ok=%v", anthCfg, ok)
	}
	if anthCfg.Anthropic.APIKey != "sk-ant-xxx" {
		t.Errorf("anthropic api key = %q", anthCfg.Anthropic.APIKey)
	}
}

func TestResolve_ProvidersConfigInterface(t *testing.T) {
	cfg, err := LoadStaticConfig(writeTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := cfg.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var _ ProvidersConfig = resolved
	var _ StaticProviderConfigs = resolved.AsStaticProviderConfigs()

	if !resolved.Get("openrouter") {
		t.Error("Get(openrouter) = false, want true")
	}
	if resolved.Get("nonexistent") {
		t.Error("Get(nonexistent) = true, want false")
	}
	name, ok := resolved.DefaultProvider()
	if !ok || name != "openrouter" {
		t.Errorf("DefaultProvider() = (%q, %v), want (openrouter, true)", name, ok)
	}
}

func TestListModels_IncludesEveryAllowedModel(t *testing.T) {
	cfg, err := LoadStaticConfig(writeTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := cfg.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	models := resolved.ListModels()
	if models.Object != "list" {
		t.Errorf("Object = %q, want list", models.Object)
	}
	if len(models.Data) != 3 {
		t.Fatalf("len(Data) = %d, want 3", len(models.Data))
	}
}
