package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hadrian-run/hadrian/internal/apierr"
)

// BearerVerifier validates a bearer JWT (session token or OIDC/SAML-minted
// token) and produces the raw Identity it carries.
type BearerVerifier interface {
	VerifyBearer(ctx context.Context, token string) (*Identity, error)
}

// SessionCookieVerifier validates the opaque session cookie.
type SessionCookieVerifier interface {
	VerifyCookie(r *http.Request) (*Identity, error)
}

type ctxKey struct{}

// FromContext returns the AuthenticatedRequest attached by Middleware, or
// nil if the request carried no credentials (and RequireAuth was not used
// to reject it first).
func FromContext(ctx context.Context) *AuthenticatedRequest {
	v, _ := ctx.Value(ctxKey{}).(*AuthenticatedRequest)
	return v
}

func withAuthenticatedRequest(ctx context.Context, ar *AuthenticatedRequest) context.Context {
	return context.WithValue(ctx, ctxKey{}, ar)
}

// Middleware extracts credentials from the request per the precedence rules
// in spec §4.5:
//
//   - At most one of X-API-Key and Authorization may be present; both ⇒
//     AmbiguousCredentials.
//   - Authorization: Bearer with the configured API-key prefix is an API
//     key; otherwise a JWT.
//   - A session cookie may additionally be present alongside either header,
//     producing AuthenticatedRequest{Kind: Both}.
func Middleware(akv *APIKeyAuthenticator, bv BearerVerifier, scv SessionCookieVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			apiKeyHeader := r.Header.Get("X-API-Key")
			authHeader := r.Header.Get("Authorization")

			if apiKeyHeader != "" && authHeader != "" {
				writeAuthError(w, r, apierr.New(apierr.AmbiguousCredentials,
					"both X-API-Key and Authorization headers were presented"))
				return
			}

			var apiKeyAuth *ApiKeyAuth
			var ident *Identity

			switch {
			case apiKeyHeader != "":
				auth, err := akv.VerifyAPIKey(ctx, apiKeyHeader)
				if err != nil {
					writeAuthError(w, r, asGatewayError(err))
					return
				}
				if err := checkIPAllowlist(r, auth.IPAllowlist); err != nil {
					writeAuthError(w, r, err)
					return
				}
				apiKeyAuth = auth

			case authHeader != "":
				token := stripBearerPrefix(authHeader)
				if akv.LooksLikeAPIKey(token) {
					auth, err := akv.VerifyAPIKey(ctx, token)
					if err != nil {
						writeAuthError(w, r, asGatewayError(err))
						return
					}
					if err := checkIPAllowlist(r, auth.IPAllowlist); err != nil {
						writeAuthError(w, r, err)
						return
					}
					apiKeyAuth = auth
				} else {
					id, err := bv.VerifyBearer(ctx, token)
					if err != nil {
						writeAuthError(w, r, asGatewayError(err))
						return
					}
					ident = id
				}
			}

			if ident == nil && scv != nil {
				if id, err := scv.VerifyCookie(r); err == nil && id != nil {
					ident = id
				}
			}

			var ar *AuthenticatedRequest
			switch {
			case apiKeyAuth != nil && ident != nil:
				ar = &AuthenticatedRequest{Kind: KindBoth, ApiKey: apiKeyAuth, Identity: ident}
			case apiKeyAuth != nil:
				ar = &AuthenticatedRequest{Kind: KindAPIKey, ApiKey: apiKeyAuth}
			case ident != nil:
				ar = &AuthenticatedRequest{Kind: KindIdentity, Identity: ident}
			}

			ctx = withAuthenticatedRequest(ctx, ar)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects requests that carried no recognized credentials.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			writeAuthError(w, r, apierr.New(apierr.MissingCredentials, "no credentials presented"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkIPAllowlist enforces ApiKey.ip_allowlist (spec §3) against the
// request's client IP. An empty allowlist permits everything. The error
// message never echoes the allowlist or the resolved IP, per spec §6's
// enumeration-prevention rule for IPNotAllowed.
func checkIPAllowlist(r *http.Request, allowlist []string) *apierr.Error {
	if len(allowlist) == 0 {
		return nil
	}
	addr, ok := ClientIP(r)
	if !ok || !IPAllowed(addr, allowlist) {
		return apierr.New(apierr.IPNotAllowed, "client ip is not permitted to use this api key")
	}
	return nil
}

func stripBearerPrefix(header string) string {
	for _, p := range []string{"Bearer ", "bearer "} {
		if strings.HasPrefix(header, p) {
			return strings.TrimPrefix(header, p)
		}
	}
	return header
}

func asGatewayError(err error) *apierr.Error {
	if ge, ok := err.(*apierr.Error); ok {
		return ge
	}
	return apierr.New(apierr.InvalidCredentials, "%s", err.Error())
}

// writeAuthError is overridden by internal/httpserver's error responder at
// wiring time; identity keeps a minimal fallback so the package has no
// import-cycle dependency on httpserver.
var writeAuthErrorFunc = func(w http.ResponseWriter, r *http.Request, gerr *apierr.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(gerr.HTTPStatus())
}

// SetErrorResponder lets internal/app wire the full OpenAI-style error
// envelope writer (internal/httpserver.RespondGatewayError) without this
// package importing internal/httpserver.
func SetErrorResponder(f func(w http.ResponseWriter, r *http.Request, gerr *apierr.Error)) {
	writeAuthErrorFunc = f
}

func writeAuthError(w http.ResponseWriter, r *http.Request, gerr *apierr.Error) {
	writeAuthErrorFunc(w, r, gerr)
}
