// Package ssoauth implements the OIDC and SAML authenticators from spec
// §4.3: authorization-URL generation, code/response exchange into a unified
// session.Session, and per-provider JWT/assertion validation.
package ssoauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/secrets"
	"github.com/hadrian-run/hadrian/internal/session"
)

// pkceVerifierBytes is the number of random bytes used for the PKCE code
// verifier before base64url encoding (spec §10).
const pkceVerifierBytes = 32

// allowedSigningAlgs is the fixed JWT algorithm allow-list for OIDC ID
// tokens (spec §10): "none" and symmetric HS* algorithms are never
// accepted, closing the classic alg-confusion attack.
var allowedSigningAlgs = []string{
	oidc.RS256, oidc.RS384, oidc.RS512, oidc.ES256, oidc.ES384,
}

// OIDCConfig is the per-org or global OIDC provider configuration.
type OIDCConfig struct {
	Issuer          string
	ClientID        string
	ClientSecretRef *string
	RedirectURI     string
	Scopes          []string
	IdentityClaim   string
	OrgClaim        string
	GroupsClaim     string
	SessionDuration time.Duration
}

// OIDCAuthenticator drives the OIDC authorization-code-with-PKCE flow
// against a single discovered provider.
type OIDCAuthenticator struct {
	cfg      OIDCConfig
	store    session.Store
	secrets  secrets.Resolver
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator performs OIDC discovery eagerly; callers construct
// one authenticator per configured provider (global or per-org), not per
// request.
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig, store session.Store, resolver secrets.Resolver) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for issuer %q: %w", cfg.Issuer, err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:             cfg.ClientID,
		SupportedSigningAlgs: allowedSigningAlgs,
	})

	return &OIDCAuthenticator{cfg: cfg, store: store, secrets: resolver, provider: provider, verifier: verifier}, nil
}

func (a *OIDCAuthenticator) clientSecret(ctx context.Context) (string, error) {
	secret, err := secrets.ResolveSecret(ctx, a.cfg.ClientSecretRef, a.secrets)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", apierr.New(apierr.ConfigError, "oidc client %q has no resolvable client secret", a.cfg.ClientID)
	}
	return *secret, nil
}

func (a *OIDCAuthenticator) oauth2Config(ctx context.Context) (*oauth2.Config, error) {
	clientSecret, err := a.clientSecret(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  a.cfg.RedirectURI,
		Scopes:       a.cfg.Scopes,
		Endpoint:     a.provider.Endpoint(),
	}, nil
}

type pkceChallenge struct {
	verifier  string
	challenge string
}

func newPKCEChallenge() (pkceChallenge, error) {
	raw := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return pkceChallenge{}, fmt.Errorf("generating pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	return pkceChallenge{verifier: verifier, challenge: challenge}, nil
}

// AuthorizationURL builds the authorization-code-with-PKCE redirect URL and
// persists the pending authorization state.
func (a *OIDCAuthenticator) AuthorizationURL(ctx context.Context, returnTo string, orgID *uuid.UUID) (string, error) {
	conf, err := a.oauth2Config(ctx)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	pkce, err := newPKCEChallenge()
	if err != nil {
		return "", err
	}

	authURL := conf.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", pkce.challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	authState := &session.AuthorizationState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: pkce.verifier,
		ReturnTo:     returnTo,
		OrgID:        orgID,
		CreatedAt:    time.Now(),
	}
	if err := a.store.StoreAuthState(ctx, authState); err != nil {
		return "", fmt.Errorf("storing oidc auth state: %w", err)
	}

	return authURL, nil
}

// ExchangeResult is the outcome of a completed authorization-code exchange.
type ExchangeResult struct {
	Session  *session.Session
	ReturnTo string
}

// ExchangeCode completes the flow: retrieves and consumes the pending auth
// state, exchanges the code for tokens, verifies the ID token (issuer,
// audience, signature, algorithm, and nonce), and builds a session.
func (a *OIDCAuthenticator) ExchangeCode(ctx context.Context, code, state string, device *session.DeviceInfo) (*ExchangeResult, error) {
	authState, ok, err := a.store.TakeAuthState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("retrieving oidc auth state: %w", err)
	}
	if !ok {
		return nil, apierr.New(apierr.InvalidToken, "unknown or already-consumed authorization state")
	}
	if authState.IsExpired(time.Now()) {
		return nil, apierr.New(apierr.ExpiredToken, "authorization state expired")
	}

	conf, err := a.oauth2Config(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", authState.CodeVerifier))
	if err != nil {
		return nil, apierr.New(apierr.Internal, "oidc token exchange failed: %v", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, apierr.New(apierr.Internal, "oidc token response missing id_token")
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, apierr.New(apierr.InvalidToken, "id token verification failed: %v", err)
	}

	// Nonce equality prevents token substitution/replay (spec §4.3 invariant).
	if idToken.Nonce != authState.Nonce {
		return nil, apierr.New(apierr.InvalidToken, "nonce mismatch: possible token substitution or replay")
	}

	var claims struct {
		Subject string                 `json:"sub"`
		Email   string                 `json:"email"`
		Name    string                 `json:"name"`
		Extra   map[string]interface{} `json:"-"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apierr.New(apierr.InvalidToken, "decoding id token claims: %v", err)
	}

	var rawClaims map[string]interface{}
	_ = idToken.Claims(&rawClaims)

	now := time.Now()
	var tokenExpiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		tokenExpiresAt = &exp
	}

	externalID := claimString(rawClaims, a.cfg.IdentityClaim, claims.Subject)
	orgID := claimUUID(rawClaims, a.cfg.OrgClaim)

	sess := &session.Session{
		ExternalID:     externalID,
		Email:          claims.Email,
		Name:           claims.Name,
		OrgID:          orgID,
		Groups:         claimStringSlice(rawClaims, a.cfg.GroupsClaim),
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		CreatedAt:      now,
		ExpiresAt:      now.Add(a.cfg.SessionDuration),
		TokenExpiresAt: tokenExpiresAt,
		SSOOrgID:       authState.OrgID,
		Device:         device,
		LastActivity:   &now,
	}

	id, err := a.store.CreateSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("storing oidc session: %w", err)
	}
	sess.ID = id

	return &ExchangeResult{Session: sess, ReturnTo: authState.ReturnTo}, nil
}

// VerifyBearerToken validates a bearer JWT presented on `Authorization:
// Bearer` against this org's issuer (spec §4.5: a bearer value that does
// not carry the API-key prefix is a JWT) and maps its claims to an
// Identity, the same claim set ExchangeCode extracts from an ID token.
// Unlike ExchangeCode this performs no nonce check — there is no
// authorization state to check it against for a bare bearer token.
func (a *OIDCAuthenticator) VerifyBearerToken(ctx context.Context, raw string) (*identity.Identity, error) {
	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, apierr.New(apierr.InvalidToken, "bearer token verification failed: %v", err)
	}

	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apierr.New(apierr.InvalidToken, "decoding bearer token claims: %v", err)
	}
	var rawClaims map[string]interface{}
	_ = idToken.Claims(&rawClaims)

	id := &identity.Identity{
		ExternalID: claimString(rawClaims, a.cfg.IdentityClaim, claims.Subject),
		Email:      claims.Email,
		Name:       claims.Name,
		IdPGroups:  claimStringSlice(rawClaims, a.cfg.GroupsClaim),
	}
	if orgID := claimUUID(rawClaims, a.cfg.OrgClaim); orgID != nil {
		id.OrgIDs = []uuid.UUID{*orgID}
	}
	return id, nil
}

func claimString(claims map[string]interface{}, key, fallback string) string {
	if key == "" {
		return fallback
	}
	if v, ok := claims[key].(string); ok {
		return v
	}
	return fallback
}

func claimStringSlice(claims map[string]interface{}, key string) []string {
	if key == "" {
		return nil
	}
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func claimUUID(claims map[string]interface{}, key string) *uuid.UUID {
	if key == "" {
		return nil
	}
	s, ok := claims[key].(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}
