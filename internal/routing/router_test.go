package routing

import "testing"

type fakeProviders struct {
	names   map[string]bool
	def     string
	hasDef  bool
}

func (f *fakeProviders) Get(name string) bool { return f.names[name] }
func (f *fakeProviders) DefaultProvider() (string, bool) {
	return f.def, f.hasDef
}

func newFakeProviders() *fakeProviders {
	return &fakeProviders{
		names:  map[string]bool{"openrouter": true, "anthropic-direct": true, "local": true},
		def:    "openrouter",
		hasDef: true,
	}
}

func TestRouteModel_StaticWithProviderPrefix(t *testing.T) {
	route, err := RouteModel("anthropic-direct/claude-3-opus", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Static == nil || route.Static.ProviderName != "anthropic-direct" || route.Static.Model != "claude-3-opus" {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestRouteModel_StaticNoPrefixUsesDefault(t *testing.T) {
	route, err := RouteModel("gpt-4", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Static == nil || route.Static.ProviderName != "openrouter" || route.Static.Model != "gpt-4" {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestRouteModel_UnknownProviderPrefix(t *testing.T) {
	_, err := RouteModel("unknown-provider/gpt-4", newFakeProviders())
	if err == nil || err.Code != ErrProviderNotFound {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestRouteModel_NoDefaultProvider(t *testing.T) {
	providers := &fakeProviders{names: map[string]bool{}}
	_, err := RouteModel("gpt-4", providers)
	if err == nil || err.Code != ErrNoDefaultProvider {
		t.Fatalf("expected ErrNoDefaultProvider, got %v", err)
	}
}

func TestRouteModel_DirectUserScope(t *testing.T) {
	route, err := RouteModel(":user/u-123/openai/gpt-4", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Dynamic == nil || route.Dynamic.Scope.Kind != ScopeUser || route.Dynamic.Scope.UserID != "u-123" {
		t.Fatalf("unexpected route: %+v", route.Dynamic)
	}
	if route.Dynamic.ProviderName != "openai" || route.Dynamic.Model != "gpt-4" {
		t.Fatalf("unexpected provider/model: %+v", route.Dynamic)
	}
}

func TestRouteModel_OrgScopeSingleSlashModel(t *testing.T) {
	route, err := RouteModel(":org/acme/my-llm/llama3", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := route.Dynamic
	if d == nil || d.Scope.Kind != ScopeOrganization || d.Scope.OrgSlug != "acme" {
		t.Fatalf("unexpected scope: %+v", d)
	}
	if d.ProviderName != "my-llm" || d.Model != "llama3" {
		t.Fatalf("unexpected provider/model: %+v", d)
	}
}

// TestRouteModel_OrgScopeEmbeddedSlashModel exercises the exact
// parts[2]/parts[3] rejoin path for a model containing its own "/" (e.g. a
// provider-qualified model name), carried over unmodified from the
// original parser (see SPEC_FULL.md §9).
func TestRouteModel_OrgScopeEmbeddedSlashModel(t *testing.T) {
	route, err := RouteModel(":org/acme/my-openrouter/anthropic/claude-3-opus", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := route.Dynamic
	if d.ProviderName != "my-openrouter" {
		t.Fatalf("unexpected provider: %q", d.ProviderName)
	}
	if d.Model != "anthropic/claude-3-opus" {
		t.Fatalf("unexpected model: %q", d.Model)
	}
}

func TestRouteModel_OrgUserScope(t *testing.T) {
	route, err := RouteModel(":org/acme/:user/u-1/openai/gpt-4", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := route.Dynamic
	if d.Scope.Kind != ScopeUser || d.Scope.OrgSlug != "acme" || d.Scope.UserID != "u-1" {
		t.Fatalf("unexpected scope: %+v", d.Scope)
	}
}

func TestRouteModel_OrgProjectScope(t *testing.T) {
	route, err := RouteModel(":org/acme/:project/frontend/openai/gpt-4", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := route.Dynamic
	if d.Scope.Kind != ScopeProject || d.Scope.ProjectSlug != "frontend" {
		t.Fatalf("unexpected scope: %+v", d.Scope)
	}
}

func TestRouteModel_OrgTeamScope(t *testing.T) {
	route, err := RouteModel(":org/acme/:team/eng/my-provider/gpt-4", newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := route.Dynamic
	if d.Scope.Kind != ScopeTeam || d.Scope.TeamSlug != "eng" {
		t.Fatalf("unexpected scope: %+v", d.Scope)
	}
}

func TestRouteModel_EmptyModel(t *testing.T) {
	_, err := RouteModel("", newFakeProviders())
	if err == nil || err.Code != ErrNoModel {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestRouteModel_InvalidCharacters(t *testing.T) {
	_, err := RouteModel("gpt-4;rm -rf", newFakeProviders())
	if err == nil || err.Code != ErrInvalidModelFormat {
		t.Fatalf("expected ErrInvalidModelFormat, got %v", err)
	}
}

func TestRouteModel_TooLong(t *testing.T) {
	long := make([]byte, 513)
	for i := range long {
		long[i] = 'a'
	}
	_, err := RouteModel(string(long), newFakeProviders())
	if err == nil || err.Code != ErrInvalidModelFormat {
		t.Fatalf("expected ErrInvalidModelFormat, got %v", err)
	}
}

func TestRouteModels_FallsBackOnFailure(t *testing.T) {
	route, err := RouteModels("unknown/gpt-4", []string{"anthropic-direct/claude-3"}, newFakeProviders())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.Static.ProviderName != "anthropic-direct" {
		t.Fatalf("expected fallback to succeed, got %+v", route.Static)
	}
}

func TestRouteModels_SurfacesLastError(t *testing.T) {
	_, err := RouteModels("unknown-a/gpt-4", []string{"unknown-b/gpt-4"}, newFakeProviders())
	if err == nil || err.Code != ErrProviderNotFound || err.ProviderName != "unknown-b" {
		t.Fatalf("expected last fallback's error, got %+v", err)
	}
}
