// Package gateway is the ingress for the chat/completions surface (spec
// §6): it resolves a request's route to a provider, then hands off to a
// Dispatcher for the actual upstream call. Provider adapters (the part
// that speaks OpenAI/Anthropic/Bedrock/Vertex wire protocols upstream) are
// out of scope per spec §1 — SPEC_FULL.md §6 — so Dispatcher here is
// satisfied only by a stub that fails closed.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/routing"
)

// ChatRequest is the minimal OpenAI-compatible request shape the gateway
// needs to resolve a route: the model string carries the static/scoped/
// dynamic routing grammar (spec §6), the rest of the body is opaque to
// this package and passed through verbatim to the Dispatcher.
type ChatRequest struct {
	Model  string          `json:"model"`
	Stream bool            `json:"stream"`
	Raw    json.RawMessage `json:"-"`
}

// Dispatcher performs the actual upstream call against a resolved
// provider and streams (or returns) the response. A real deployment
// injects a concrete adapter; this repo stops at "resolve route, resolve
// provider config, hand off".
type Dispatcher interface {
	Dispatch(ctx context.Context, w http.ResponseWriter, req *ChatRequest, provider *routing.ResolvedProviderInfo, auth *identity.AuthenticatedRequest) error
}

// UnimplementedDispatcher fails every dispatch with apierr.MissingComponent,
// the closed-taxonomy kind for "a real component is required here and none
// was wired" (spec §7). It exists so internal/app can always construct a
// working httpserver even before a provider adapter is injected.
type UnimplementedDispatcher struct{}

func (UnimplementedDispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req *ChatRequest, provider *routing.ResolvedProviderInfo, auth *identity.AuthenticatedRequest) error {
	return apierr.New(apierr.MissingComponent,
		"no Dispatcher configured for provider %q (model %q); this build has no upstream provider adapter wired in",
		provider.ProviderName, req.Model)
}
