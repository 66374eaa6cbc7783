package ssoregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/identity"
	"github.com/hadrian-run/hadrian/internal/session"
)

// CookieConfig is the session-cookie shape spec §6 requires bit-exactly:
// Set-Cookie: {name}={opaque_session_id}; Path=/; HttpOnly; Secure;
// SameSite=Lax; Max-Age={duration}.
type CookieConfig struct {
	Name     string
	Duration time.Duration
	Secure   bool
}

// Handler serves the OIDC/SAML browser endpoints (spec §6): login,
// callback, logout, SAML metadata, ACS, and SLO. It is the HTTP front for
// OIDCRegistry/SAMLRegistry, living alongside them rather than in
// internal/httpserver so it can reach the registries' unexported
// authenticator maps without a needless public accessor.
type Handler struct {
	oidc   *OIDCRegistry
	saml   *SAMLRegistry
	store  session.Store
	cookie CookieConfig
	logger *slog.Logger
}

func NewHandler(oidc *OIDCRegistry, saml *SAMLRegistry, store session.Store, cookie CookieConfig, logger *slog.Logger) *Handler {
	return &Handler{oidc: oidc, saml: saml, store: store, cookie: cookie, logger: logger}
}

// parseOrgParam reads and validates the `org` query parameter every
// org-selecting entry point requires: this repo is multi-tenant SSO (spec
// §4.4), so there is no default org to fall back to.
func parseOrgParam(r *http.Request) (uuid.UUID, *apierr.Error) {
	raw := r.URL.Query().Get("org")
	if raw == "" {
		return uuid.UUID{}, apierr.New(apierr.InvalidScope, "missing required org query parameter")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apierr.New(apierr.InvalidScope, "org query parameter is not a valid uuid")
	}
	return id, nil
}

func deviceInfoFromRequest(r *http.Request) *session.DeviceInfo {
	return &session.DeviceInfo{
		UserAgent: truncateUTF8(r.UserAgent(), 512),
		IPAddress: truncateUTF8(r.RemoteAddr, 512),
	}
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)[:max]
	for len(b) > 0 && (b[len(b)-1]&0xC0) == 0x80 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// HandleOIDCLogin implements GET /auth/login?return_to=…&org=….
func (h *Handler) HandleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	orgID, gerr := parseOrgParam(r)
	if gerr != nil {
		writeError(w, r, gerr)
		return
	}
	authn, ok := h.oidc.Get(orgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no OIDC configuration for org %s", orgID))
		return
	}

	returnTo := r.URL.Query().Get("return_to")
	authURL, err := authn.AuthorizationURL(r.Context(), returnTo, &orgID)
	if err != nil {
		h.logger.Error("building oidc authorization url", "error", err, "org_id", orgID)
		writeError(w, r, asGatewayError(err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOIDCCallback implements GET /auth/callback?code=…&state=….
func (h *Handler) HandleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	authState, ok, err := h.oidc.PeekAuthState(r.Context(), state)
	if err != nil || !ok || authState.OrgID == nil {
		writeError(w, r, apierr.New(apierr.InvalidToken, "unknown or expired authorization state"))
		return
	}
	authn, ok := h.oidc.Get(*authState.OrgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no OIDC configuration for org %s", *authState.OrgID))
		return
	}

	result, err := authn.ExchangeCode(r.Context(), code, state, deviceInfoFromRequest(r))
	if err != nil {
		h.logger.Error("oidc code exchange failed", "error", err)
		writeError(w, r, asGatewayError(err))
		return
	}

	h.setSessionCookie(w, result.Session.ID)
	http.Redirect(w, r, redirectTarget(result.ReturnTo), http.StatusFound)
}

// HandleLogout implements POST /auth/logout.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		_ = h.store.DeleteSession(r.Context(), c.Value)
	}
	h.clearSessionCookie(w)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNoContent)
}

// HandleSAMLMetadata implements GET /auth/saml/metadata?org=….
func (h *Handler) HandleSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	orgID, gerr := parseOrgParam(r)
	if gerr != nil {
		writeError(w, r, gerr)
		return
	}
	authn, ok := h.saml.Get(orgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no SAML configuration for org %s", orgID))
		return
	}
	metadata, err := authn.GenerateSPMetadata()
	if err != nil {
		writeError(w, r, apierr.New(apierr.Internal, "%v", err))
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml; charset=utf-8")
	_, _ = w.Write([]byte(metadata))
}

// HandleSAMLLogin implements GET /auth/saml/login?return_to=…&org=…, the
// SP-initiated start of the ACS flow documented under §6.
func (h *Handler) HandleSAMLLogin(w http.ResponseWriter, r *http.Request) {
	orgID, gerr := parseOrgParam(r)
	if gerr != nil {
		writeError(w, r, gerr)
		return
	}
	authn, ok := h.saml.Get(orgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no SAML configuration for org %s", orgID))
		return
	}

	returnTo := r.URL.Query().Get("return_to")
	redirectURL, err := authn.AuthorizationURL(r.Context(), returnTo, &orgID)
	if err != nil {
		writeError(w, r, apierr.New(apierr.Internal, "%v", err))
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleSAMLACS implements POST /auth/saml/acs.
func (h *Handler) HandleSAMLACS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, apierr.New(apierr.InvalidToken, "malformed SAML ACS form body"))
		return
	}
	samlResponse := r.PostForm.Get("SAMLResponse")
	relayState := r.PostForm.Get("RelayState")

	authState, ok, err := h.saml.PeekAuthState(r.Context(), relayState)
	if err != nil || !ok || authState.OrgID == nil {
		writeError(w, r, apierr.New(apierr.InvalidToken, "unknown or expired relay state"))
		return
	}
	authn, ok := h.saml.Get(*authState.OrgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no SAML configuration for org %s", *authState.OrgID))
		return
	}

	result, err := authn.ExchangeResponse(r.Context(), samlResponse, relayState)
	if err != nil {
		h.logger.Error("saml acs exchange failed", "error", err)
		writeError(w, r, asGatewayError(err))
		return
	}

	h.setSessionCookie(w, result.Session.ID)
	http.Redirect(w, r, redirectTarget(result.ReturnTo), http.StatusFound)
}

// HandleSAMLSLO implements GET|POST /auth/saml/slo?org=….
func (h *Handler) HandleSAMLSLO(w http.ResponseWriter, r *http.Request) {
	orgID, gerr := parseOrgParam(r)
	if gerr != nil {
		writeError(w, r, gerr)
		return
	}
	authn, ok := h.saml.Get(orgID)
	if !ok {
		writeError(w, r, apierr.New(apierr.InvalidScope, "no SAML configuration for org %s", orgID))
		return
	}

	var nameID, sessionIndex string
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		if sess, found, err := h.store.GetSession(r.Context(), c.Value); err == nil && found {
			nameID = sess.ExternalID
			sessionIndex = sess.SAMLSessionIndex
		}
		_ = h.store.DeleteSession(r.Context(), c.Value)
	}
	h.clearSessionCookie(w)

	logoutURL, err := authn.GenerateLogoutRequestURL(nameID, sessionIndex)
	if err != nil {
		writeError(w, r, apierr.New(apierr.Internal, "%v", err))
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.cookie.Duration.Seconds()),
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func redirectTarget(returnTo string) string {
	if returnTo == "" {
		return "/"
	}
	return returnTo
}

func asGatewayError(err error) *apierr.Error {
	if ge, ok := err.(*apierr.Error); ok {
		return ge
	}
	return apierr.New(apierr.Internal, "%s", err.Error())
}

// writeErrorFunc is overridden at wiring time by internal/httpserver's full
// OpenAI-style error envelope writer, the same seam internal/identity uses,
// so this package doesn't need to import internal/httpserver.
var writeErrorFunc = func(w http.ResponseWriter, r *http.Request, gerr *apierr.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(gerr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{"error": gerr.ClientMessage()})
}

// SetErrorResponder lets internal/app wire internal/httpserver.RespondGatewayError in.
func SetErrorResponder(f func(w http.ResponseWriter, r *http.Request, gerr *apierr.Error)) {
	writeErrorFunc = f
}

func writeError(w http.ResponseWriter, r *http.Request, gerr *apierr.Error) {
	writeErrorFunc(w, r, gerr)
}

// CookieVerifier adapts the session store to identity.SessionCookieVerifier,
// letting a valid session cookie authenticate a request the same way a
// bearer token or API key does.
type CookieVerifier struct {
	store      session.Store
	cookieName string
	cfg        session.Config
}

func NewCookieVerifier(store session.Store, cookieName string, cfg session.Config) *CookieVerifier {
	return &CookieVerifier{store: store, cookieName: cookieName, cfg: cfg}
}

// VerifyCookie implements identity.SessionCookieVerifier. The returned
// Identity carries only what the IdP asserted at login (Roles/Groups/OrgID)
// and has a nil UserID — internal/audit's actorFromRequest falls back to
// the system actor until something resolves ExternalID to an internal user
// row.
func (v *CookieVerifier) VerifyCookie(r *http.Request) (*identity.Identity, error) {
	c, err := r.Cookie(v.cookieName)
	if err != nil {
		return nil, fmt.Errorf("no session cookie: %w", err)
	}
	sess, verr := session.Validate(r.Context(), v.store, c.Value, v.cfg, time.Now())
	if verr != nil {
		return nil, verr
	}

	id := &identity.Identity{
		ExternalID: sess.ExternalID,
		Email:      sess.Email,
		Name:       sess.Name,
		Roles:      sess.Roles,
		IdPGroups:  sess.Groups,
	}
	if sess.OrgID != nil {
		id.OrgIDs = []uuid.UUID{*sess.OrgID}
	}
	return id, nil
}
