package identity

import (
	"log/slog"
	"io"
	"testing"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDerivePrincipal_ApiKey(t *testing.T) {
	org := uuid.New()
	user := uuid.New()
	team := uuid.New()
	project := uuid.New()
	sa := uuid.New()

	tests := []struct {
		name string
		key  ApiKeyAuth
		want Principal
	}{
		{
			name: "service account with org",
			key:  ApiKeyAuth{ServiceAccountID: &sa, OrgID: &org, ServiceAccountRoles: []string{"engineer"}},
			want: Principal{Kind: PrincipalServiceAccount, ServiceAccountID: &sa, OrgID: &org, Roles: []string{"engineer"}},
		},
		{
			name: "owner user",
			key:  ApiKeyAuth{Owner: ApiKeyOwner{Kind: OwnerUser, UserID: &user}},
			want: Principal{Kind: PrincipalUser, UserID: &user},
		},
		{
			name: "owner organization",
			key:  ApiKeyAuth{Owner: ApiKeyOwner{Kind: OwnerOrganization}, OrgID: &org},
			want: Principal{Kind: PrincipalMachine, MachineKind: MachineOrganization, OrgID: &org},
		},
		{
			name: "owner team without org_id is unknown",
			key:  ApiKeyAuth{Owner: ApiKeyOwner{Kind: OwnerTeam, TeamID: &team}},
			want: unknownMachine(),
		},
		{
			name: "owner team with org_id",
			key:  ApiKeyAuth{Owner: ApiKeyOwner{Kind: OwnerTeam, TeamID: &team}, OrgID: &org},
			want: Principal{Kind: PrincipalMachine, MachineKind: MachineTeam, OrgID: &org, TeamID: &team},
		},
		{
			name: "owner project with org_id",
			key:  ApiKeyAuth{Owner: ApiKeyOwner{Kind: OwnerProject, ProjectID: &project}, OrgID: &org},
			want: Principal{Kind: PrincipalMachine, MachineKind: MachineProject, OrgID: &org, ProjectID: &project},
		},
		{
			name: "service_account_id without org falls through to owner and is unknown",
			key:  ApiKeyAuth{ServiceAccountID: &sa, Owner: ApiKeyOwner{Kind: OwnerServiceAccount}},
			want: unknownMachine(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DerivePrincipal(AuthenticatedRequest{Kind: KindAPIKey, ApiKey: &tt.key}, discardLogger())
			if got.Kind != tt.want.Kind || got.MachineKind != tt.want.MachineKind {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDerivePrincipal_Both_ServiceAccountWins(t *testing.T) {
	org := uuid.New()
	sa := uuid.New()

	req := AuthenticatedRequest{
		Kind: KindBoth,
		ApiKey: &ApiKeyAuth{
			ServiceAccountID:    &sa,
			OrgID:               &org,
			ServiceAccountRoles: []string{"engineer"},
		},
		Identity: &Identity{Roles: []string{"admin"}},
	}

	got := DerivePrincipal(req, discardLogger())
	if got.Kind != PrincipalServiceAccount {
		t.Fatalf("expected ServiceAccount principal, got %v", got.Kind)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "engineer" {
		t.Fatalf("identity roles must not be merged, got %v", got.Roles)
	}

	subj := got.ToSubject()
	if subj.ExternalID != "" {
		t.Fatalf("service account subject must have no external_id, got %q", subj.ExternalID)
	}
}

func TestMachineUnknown_SubjectSatisfiesNoScopedRule(t *testing.T) {
	p := unknownMachine()
	subj := p.ToSubject()
	if subj.UserID != nil || len(subj.OrgIDs) != 0 || len(subj.TeamIDs) != 0 || len(subj.ProjectIDs) != 0 || subj.ServiceAccountID != nil {
		t.Fatalf("Machine::Unknown must project to an empty subject, got %+v", subj)
	}
}
