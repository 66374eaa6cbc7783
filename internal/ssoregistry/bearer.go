package ssoregistry

import (
	"context"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/identity"
)

// orgClaimCandidates are the claim names peeked, unverified, to route a
// bearer JWT to the org whose OIDCAuthenticator can actually verify it.
// Each org's authenticator re-derives the authoritative identity (including
// its own configured org claim) only after its own signature check passes;
// this peek is routing only, never trusted for authorization.
var orgClaimCandidates = []string{"org_id", "org", "tid", "organization_id"}

// BearerVerifier implements identity.BearerVerifier by routing a bearer JWT
// to the org-scoped OIDCAuthenticator matching its (unverified) org claim,
// per spec §4.5: "Authorization: Bearer ... otherwise a JWT".
type BearerVerifier struct {
	oidc *OIDCRegistry
}

func NewBearerVerifier(oidc *OIDCRegistry) *BearerVerifier {
	return &BearerVerifier{oidc: oidc}
}

// VerifyBearer implements identity.BearerVerifier.
func (v *BearerVerifier) VerifyBearer(ctx context.Context, token string) (*identity.Identity, error) {
	orgID, ok := peekOrgClaim(token)
	if !ok {
		return nil, apierr.New(apierr.InvalidToken, "bearer token carries no recognizable org claim")
	}
	authn, ok := v.oidc.Get(orgID)
	if !ok {
		return nil, apierr.New(apierr.InvalidScope, "no OIDC configuration for org %s", orgID)
	}
	return authn.VerifyBearerToken(ctx, token)
}

// peekOrgClaim extracts an org id from the token's unverified claims,
// without checking its signature. jose.ParseSigned rejects malformed
// compact JWS input outright, so this is a cheap reject-fast path for
// tokens that aren't even well-formed JWTs.
func peekOrgClaim(token string) (uuid.UUID, bool) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384,
	})
	if err != nil {
		return uuid.UUID{}, false
	}
	var claims map[string]interface{}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return uuid.UUID{}, false
	}
	for _, key := range orgClaimCandidates {
		if s, ok := claims[key].(string); ok {
			if id, err := uuid.Parse(s); err == nil {
				return id, true
			}
		}
	}
	return uuid.UUID{}, false
}
