// Package routing implements the model-string parser and fallback-list
// router from spec §4.6: a pure function over a model string and the
// static providers config, with no I/O.
package routing

import (
	"fmt"
	"strings"
)

// maxModelStringLength bounds the model string to prevent abuse (spec §4.6).
const maxModelStringLength = 512

// ScopeKind discriminates a dynamic provider's owner scope.
type ScopeKind int

const (
	ScopeOrganization ScopeKind = iota
	ScopeProject
	ScopeTeam
	ScopeUser
)

// Scope identifies the owner of a dynamic provider.
type Scope struct {
	Kind        ScopeKind
	OrgSlug     string
	ProjectSlug string
	TeamSlug    string
	UserID      string
}

// StaticRoute routes to a provider from the static providers config.
type StaticRoute struct {
	ProviderName string
	Model        string
}

// DynamicRoute routes to a database-backed provider under a Scope.
type DynamicRoute struct {
	Scope        Scope
	ProviderName string
	Model        string
}

// Route is the result of parsing a model string: exactly one of Static or
// Dynamic is set.
type Route struct {
	Static  *StaticRoute
	Dynamic *DynamicRoute
}

// ErrorCode enumerates the routing failure kinds (spec §4.6, §7).
type ErrorCode int

const (
	ErrNoModel ErrorCode = iota
	ErrProviderNotFound
	ErrNoDefaultProvider
	ErrInvalidScope
	ErrMissingComponent
	ErrInvalidModelFormat
	ErrConfigError
)

// RoutingError is the routing package's error type; ProviderName carries
// the offending provider for ErrProviderNotFound.
type RoutingError struct {
	Code         ErrorCode
	Message      string
	ProviderName string
}

func (e *RoutingError) Error() string { return e.Message }

func newErr(code ErrorCode, format string, args ...interface{}) *RoutingError {
	return &RoutingError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ProvidersConfig is the static-provider lookup the router consults.
type ProvidersConfig interface {
	Get(name string) (exists bool)
	DefaultProvider() (name string, ok bool)
}

func validateModelString(model string) *RoutingError {
	if model == "" {
		return newErr(ErrNoModel, "no model specified")
	}
	if len(model) > maxModelStringLength {
		return newErr(ErrInvalidModelFormat, "model string exceeds maximum length of %d characters", maxModelStringLength)
	}
	for _, c := range model {
		if !isAllowedModelChar(c) {
			return newErr(ErrInvalidModelFormat, "model string contains invalid characters")
		}
	}
	return nil
}

func isAllowedModelChar(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	switch c {
	case '-', '.', '_', '/', ':', '@', ' ':
		return true
	}
	return false
}

// RouteModel parses model and resolves it against providers.
func RouteModel(model string, providers ProvidersConfig) (*Route, *RoutingError) {
	if model == "" {
		return nil, newErr(ErrNoModel, "no model specified")
	}
	if err := validateModelString(model); err != nil {
		return nil, err
	}

	dyn, err := parseScopedModel(model)
	if err != nil {
		return nil, err
	}
	if dyn != nil {
		return &Route{Dynamic: dyn}, nil
	}

	static, err := routeModelStatic(model, providers)
	if err != nil {
		return nil, err
	}
	return &Route{Static: static}, nil
}

// RouteModels tries the primary model first, then each fallback in order,
// returning the first success and surfacing the last error otherwise (spec
// §4.6's route_many).
func RouteModels(model string, fallbacks []string, providers ProvidersConfig) (*Route, *RoutingError) {
	var lastErr *RoutingError

	if model != "" {
		route, err := RouteModel(model, providers)
		if err == nil {
			return route, nil
		}
		lastErr = err
	}

	for _, m := range fallbacks {
		route, err := RouteModel(m, providers)
		if err == nil {
			return route, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = newErr(ErrNoModel, "no model specified")
	}
	return nil, lastErr
}

// parseScopedModel mirrors the original implementation's splitn-based
// parser component-by-component, including its rejoin logic for the
// plain org-scope branch (spec §9: "parts[2]/parts[3] org-scope
// model-string rejoin" — preserved verbatim, not corrected here).
func parseScopedModel(model string) (*DynamicRoute, *RoutingError) {
	if rest, ok := strings.CutPrefix(model, ":user/"); ok {
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 3 {
			return nil, newErr(ErrMissingComponent, "user scope requires user_id/provider/model")
		}
		return &DynamicRoute{
			Scope:        Scope{Kind: ScopeUser, UserID: parts[0]},
			ProviderName: parts[1],
			Model:        parts[2],
		}, nil
	}

	if !strings.HasPrefix(model, ":org/") {
		return nil, nil
	}

	rest := model[len(":org/"):]
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 3 {
		return nil, newErr(ErrMissingComponent, "scoped model requires at least org/provider/model")
	}

	orgSlug := parts[0]

	if parts[1] == ":user" || strings.HasPrefix(parts[1], ":user/") {
		afterOrg := rest[len(orgSlug)+1:]
		if !strings.HasPrefix(afterOrg, ":user/") {
			return nil, newErr(ErrInvalidScope, "expected :user/{user} after org")
		}
		userParts := strings.SplitN(afterOrg[len(":user/"):], "/", 3)
		if len(userParts) < 3 {
			return nil, newErr(ErrMissingComponent, "user scope requires user_id/provider/model")
		}
		return &DynamicRoute{
			Scope:        Scope{Kind: ScopeUser, OrgSlug: orgSlug, UserID: userParts[0]},
			ProviderName: userParts[1],
			Model:        userParts[2],
		}, nil
	}

	if parts[1] == ":project" || strings.HasPrefix(parts[1], ":project/") {
		afterOrg := rest[len(orgSlug)+1:]
		if !strings.HasPrefix(afterOrg, ":project/") {
			return nil, newErr(ErrInvalidScope, "expected :project/{project} after org")
		}
		projectParts := strings.SplitN(afterOrg[len(":project/"):], "/", 3)
		if len(projectParts) < 3 {
			return nil, newErr(ErrMissingComponent, "project scope requires project_slug/provider/model")
		}
		return &DynamicRoute{
			Scope:        Scope{Kind: ScopeProject, OrgSlug: orgSlug, ProjectSlug: projectParts[0]},
			ProviderName: projectParts[1],
			Model:        projectParts[2],
		}, nil
	}

	if parts[1] == ":team" || strings.HasPrefix(parts[1], ":team/") {
		afterOrg := rest[len(orgSlug)+1:]
		if !strings.HasPrefix(afterOrg, ":team/") {
			return nil, newErr(ErrInvalidScope, "expected :team/{team} after org")
		}
		teamParts := strings.SplitN(afterOrg[len(":team/"):], "/", 3)
		if len(teamParts) < 3 {
			return nil, newErr(ErrMissingComponent, "team scope requires team_slug/provider/model")
		}
		return &DynamicRoute{
			Scope:        Scope{Kind: ScopeTeam, OrgSlug: orgSlug, TeamSlug: teamParts[0]},
			ProviderName: teamParts[1],
			Model:        teamParts[2],
		}, nil
	}

	// Plain org scope: :org/{org}/{provider}/{model...}
	if len(parts) < 3 {
		return nil, newErr(ErrMissingComponent, "org scope requires provider/model")
	}

	var modelStr string
	if len(parts) > 3 {
		modelStr = parts[2] + "/" + parts[3]
	} else {
		modelStr = parts[2]
	}

	return &DynamicRoute{
		Scope:        Scope{Kind: ScopeOrganization, OrgSlug: orgSlug},
		ProviderName: parts[1],
		Model:        modelStr,
	}, nil
}

func routeModelStatic(model string, providers ProvidersConfig) (*StaticRoute, *RoutingError) {
	if slashPos := strings.IndexByte(model, '/'); slashPos >= 0 {
		potentialProvider := model[:slashPos]
		remaining := model[slashPos+1:]

		if providers.Get(potentialProvider) {
			return &StaticRoute{ProviderName: potentialProvider, Model: remaining}, nil
		}
		rerr := newErr(ErrProviderNotFound, "provider %q not found", potentialProvider)
		rerr.ProviderName = potentialProvider
		return nil, rerr
	}

	name, ok := providers.DefaultProvider()
	if !ok {
		return nil, newErr(ErrNoDefaultProvider, "no default provider configured")
	}
	return &StaticRoute{ProviderName: name, Model: model}, nil
}
