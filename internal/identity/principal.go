// Package identity turns heterogeneous request credentials into the single
// canonical Principal used by every downstream authorization decision.
package identity

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ApiKeyOwnerKind discriminates who an ApiKey belongs to.
type ApiKeyOwnerKind string

const (
	OwnerUser           ApiKeyOwnerKind = "user"
	OwnerOrganization   ApiKeyOwnerKind = "organization"
	OwnerTeam           ApiKeyOwnerKind = "team"
	OwnerProject        ApiKeyOwnerKind = "project"
	OwnerServiceAccount ApiKeyOwnerKind = "service_account"
)

// ApiKeyOwner is the tagged owner variant carried by ApiKey.
type ApiKeyOwner struct {
	Kind             ApiKeyOwnerKind
	OrgID            *uuid.UUID // set only when Kind == OwnerOrganization
	UserID           *uuid.UUID
	TeamID           *uuid.UUID
	ProjectID        *uuid.UUID
	ServiceAccountID *uuid.UUID
}

// ApiKey is the persisted key row plus repo-joined fields (ServiceAccountID,
// ServiceAccountRoles, OrgID are populated by the repo join, never present on
// the raw row per spec §3).
type ApiKey struct {
	ID                 uuid.UUID
	KeyPrefix          string
	KeyHash            string
	Name               string
	Owner              ApiKeyOwner
	BudgetLimitCents   *int64
	BudgetPeriod       *string
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
	RotatedFromKeyID   *uuid.UUID
	RotationGraceUntil *time.Time
	Scopes             []string
	AllowedModels      []string
	IPAllowlist        []string
	RateLimitRPM       *int
	RateLimitTPM       *int
	CreatedAt          time.Time
	LastUsedAt         *time.Time

	// Repo-joined, not part of the raw row.
	ServiceAccountID    *uuid.UUID
	ServiceAccountRoles []string
	OrgID               *uuid.UUID
}

// IsEffective reports whether the key may be used to authenticate at t.
func (k ApiKey) IsEffective(t time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(t) {
		return false
	}
	if k.RotationGraceUntil != nil && !k.RotationGraceUntil.After(t) {
		return false
	}
	return true
}

// ApiKeyAuth is the authenticated-request shape produced by a successful
// API key check — everything downstream code needs, without the full row.
type ApiKeyAuth struct {
	APIKeyID            uuid.UUID
	KeyPrefix           string
	Owner               ApiKeyOwner
	OrgID               *uuid.UUID
	ServiceAccountID    *uuid.UUID
	ServiceAccountRoles []string
	Scopes              []string
	AllowedModels       []string
	IPAllowlist         []string
	RateLimitRPM        *int
	RateLimitTPM        *int
}

// Identity is the raw per-request external identity produced by an IdP
// (OIDC/SAML/proxy headers), before canonicalization into a Principal.
type Identity struct {
	ExternalID string
	Email      string
	Name       string
	UserID     *uuid.UUID
	Roles      []string
	IdPGroups  []string
	OrgIDs     []uuid.UUID
	TeamIDs    []uuid.UUID
	ProjectIDs []uuid.UUID
}

// RequestKind discriminates the shape of an AuthenticatedRequest.
type RequestKind string

const (
	KindAPIKey   RequestKind = "api_key"
	KindIdentity RequestKind = "identity"
	KindBoth     RequestKind = "both"
)

// AuthenticatedRequest is the middleware's output: exactly one of ApiKey,
// Identity, or both are set, per Kind.
type AuthenticatedRequest struct {
	Kind     RequestKind
	ApiKey   *ApiKeyAuth
	Identity *Identity
}

// PrincipalKind discriminates the canonical actor shape.
type PrincipalKind string

const (
	PrincipalUser           PrincipalKind = "user"
	PrincipalServiceAccount PrincipalKind = "service_account"
	PrincipalMachine        PrincipalKind = "machine"
)

// MachineKind discriminates a Machine principal's scope.
type MachineKind string

const (
	MachineOrganization MachineKind = "organization"
	MachineTeam         MachineKind = "team"
	MachineProject      MachineKind = "project"
	MachineUnknown      MachineKind = "unknown"
)

// Principal is the canonical authenticated actor: a struct carrying a Kind
// discriminant plus pointer-optional fields, mirroring the shape this
// codebase already uses for per-request identity (rather than an
// interface-based sum type), so JSON encoding and slog field logging stay
// trivial.
type Principal struct {
	Kind PrincipalKind

	// User fields.
	UserID     *uuid.UUID
	ExternalID string
	Email      string
	Name       string
	Roles      []string
	OrgIDs     []uuid.UUID
	TeamIDs    []uuid.UUID
	ProjectIDs []uuid.UUID

	// ServiceAccount fields.
	ServiceAccountID *uuid.UUID

	// Machine fields (also doubles as ServiceAccount's org).
	MachineKind MachineKind
	OrgID       *uuid.UUID
	TeamID      *uuid.UUID
	ProjectID   *uuid.UUID
}

// Subject is the authorization-facing projection of a Principal.
type Subject struct {
	UserID           *uuid.UUID
	ExternalID       string
	Email            string
	Roles            []string
	OrgIDs           []uuid.UUID
	TeamIDs          []uuid.UUID
	ProjectIDs       []uuid.UUID
	ServiceAccountID *uuid.UUID
}

// ToSubject projects a Principal into its authorization Subject.
// Machine::Unknown always yields an empty Subject that satisfies no scoped
// rule (fail-closed, per spec invariant 4).
func (p Principal) ToSubject() Subject {
	if p.Kind == PrincipalMachine && p.MachineKind == MachineUnknown {
		return Subject{}
	}

	s := Subject{
		UserID:           p.UserID,
		ExternalID:       p.ExternalID,
		Email:            p.Email,
		Roles:            p.Roles,
		ServiceAccountID: p.ServiceAccountID,
	}

	switch p.Kind {
	case PrincipalUser:
		s.OrgIDs = p.OrgIDs
		s.TeamIDs = p.TeamIDs
		s.ProjectIDs = p.ProjectIDs
	case PrincipalServiceAccount:
		if p.OrgID != nil {
			s.OrgIDs = []uuid.UUID{*p.OrgID}
		}
	case PrincipalMachine:
		switch p.MachineKind {
		case MachineOrganization:
			if p.OrgID != nil {
				s.OrgIDs = []uuid.UUID{*p.OrgID}
			}
		case MachineTeam:
			if p.OrgID != nil {
				s.OrgIDs = []uuid.UUID{*p.OrgID}
			}
			if p.TeamID != nil {
				s.TeamIDs = []uuid.UUID{*p.TeamID}
			}
		case MachineProject:
			if p.OrgID != nil {
				s.OrgIDs = []uuid.UUID{*p.OrgID}
			}
			if p.ProjectID != nil {
				s.ProjectIDs = []uuid.UUID{*p.ProjectID}
			}
		}
	}

	return s
}

// unknownMachine builds the fail-closed sentinel principal.
func unknownMachine() Principal {
	return Principal{Kind: PrincipalMachine, MachineKind: MachineUnknown}
}

// DerivePrincipal implements the canonical derivation table (spec §4.5).
func DerivePrincipal(req AuthenticatedRequest, logger *slog.Logger) Principal {
	switch req.Kind {
	case KindAPIKey:
		return derivePrincipalFromAPIKey(req.ApiKey, logger)
	case KindIdentity:
		return derivePrincipalFromIdentity(req.Identity)
	case KindBoth:
		return derivePrincipalFromBoth(req.ApiKey, req.Identity, logger)
	default:
		logger.Warn("derive principal: unrecognized AuthenticatedRequest kind", "kind", req.Kind)
		return unknownMachine()
	}
}

func derivePrincipalFromAPIKey(k *ApiKeyAuth, logger *slog.Logger) Principal {
	if k.ServiceAccountID != nil && k.OrgID != nil {
		return Principal{
			Kind:             PrincipalServiceAccount,
			ServiceAccountID: k.ServiceAccountID,
			OrgID:            k.OrgID,
			Roles:            k.ServiceAccountRoles,
		}
	}
	if k.ServiceAccountID != nil && k.OrgID == nil {
		logger.Warn("api key has service_account_id but no org_id, falling through to owner derivation",
			"api_key_id", k.APIKeyID)
	}

	switch k.Owner.Kind {
	case OwnerUser:
		return Principal{
			Kind:   PrincipalUser,
			UserID: k.Owner.UserID,
			Roles:  nil,
		}
	case OwnerOrganization:
		if k.OrgID == nil {
			logger.Warn("api key owner=organization has no org_id", "api_key_id", k.APIKeyID)
			return unknownMachine()
		}
		return Principal{Kind: PrincipalMachine, MachineKind: MachineOrganization, OrgID: k.OrgID}
	case OwnerTeam:
		if k.OrgID == nil || k.Owner.TeamID == nil {
			logger.Warn("api key owner=team missing org_id or team_id", "api_key_id", k.APIKeyID)
			return unknownMachine()
		}
		return Principal{Kind: PrincipalMachine, MachineKind: MachineTeam, OrgID: k.OrgID, TeamID: k.Owner.TeamID}
	case OwnerProject:
		if k.OrgID == nil || k.Owner.ProjectID == nil {
			logger.Warn("api key owner=project missing org_id or project_id", "api_key_id", k.APIKeyID)
			return unknownMachine()
		}
		return Principal{Kind: PrincipalMachine, MachineKind: MachineProject, OrgID: k.OrgID, ProjectID: k.Owner.ProjectID}
	case OwnerServiceAccount:
		if k.OrgID == nil {
			logger.Warn("api key owner=service_account fallback has no org_id", "api_key_id", k.APIKeyID)
			return unknownMachine()
		}
		return Principal{Kind: PrincipalMachine, MachineKind: MachineOrganization, OrgID: k.OrgID}
	default:
		logger.Warn("api key has unrecognized owner kind", "api_key_id", k.APIKeyID, "owner_kind", k.Owner.Kind)
		return unknownMachine()
	}
}

func derivePrincipalFromIdentity(id *Identity) Principal {
	return Principal{
		Kind:       PrincipalUser,
		UserID:     id.UserID,
		ExternalID: id.ExternalID,
		Email:      id.Email,
		Name:       id.Name,
		Roles:      id.Roles,
		OrgIDs:     id.OrgIDs,
		TeamIDs:    id.TeamIDs,
		ProjectIDs: id.ProjectIDs,
	}
}

func derivePrincipalFromBoth(k *ApiKeyAuth, id *Identity, logger *slog.Logger) Principal {
	if k.ServiceAccountID != nil && k.OrgID != nil {
		// Service account wins; identity's roles are NOT merged (spec scenario E).
		return Principal{
			Kind:             PrincipalServiceAccount,
			ServiceAccountID: k.ServiceAccountID,
			OrgID:            k.OrgID,
			Roles:            k.ServiceAccountRoles,
		}
	}

	p := derivePrincipalFromIdentity(id)

	scopes := id.Roles
	if len(scopes) == 0 {
		scopes = k.Scopes
	}
	p.Roles = scopes

	if p.UserID == nil {
		p.UserID = k.Owner.UserID
	}

	return p
}
