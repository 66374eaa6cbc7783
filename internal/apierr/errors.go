// Package apierr defines the closed error-kind taxonomy propagated through
// the identity, routing, and session subsystems, and its HTTP encoding.
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds specified for the gateway's
// authentication, authorization, and routing paths.
type Kind string

const (
	MissingCredentials   Kind = "missing_credentials"
	InvalidCredentials   Kind = "invalid_credentials"
	AmbiguousCredentials Kind = "ambiguous_credentials"
	InvalidAPIKeyFormat  Kind = "invalid_api_key_format"
	InvalidAPIKey        Kind = "invalid_api_key"
	ExpiredAPIKey        Kind = "invalid_api_key" // same client-visible code as InvalidAPIKey, see spec §7
	InvalidToken         Kind = "invalid_token"
	ExpiredToken         Kind = "expired_token"
	SessionNotFound      Kind = "session_not_found"
	SessionExpired       Kind = "session_expired"
	Forbidden            Kind = "forbidden"
	InsufficientScope    Kind = "insufficient_scope"
	ModelNotAllowed      Kind = "model_not_allowed"
	IPNotAllowed         Kind = "ip_not_allowed"
	Internal             Kind = "internal_error"

	// Routing kinds.
	NoModel            Kind = "no_model"
	ProviderNotFound   Kind = "provider_not_found"
	NoDefaultProvider  Kind = "no_default_provider"
	InvalidScope       Kind = "invalid_scope"
	MissingComponent   Kind = "missing_component"
	ConfigError        Kind = "config_error"
	InvalidModelFormat Kind = "invalid_model_format"
)

// errType is the OpenAI-compatible `type` field for a given Kind.
var errType = map[Kind]string{
	MissingCredentials:   "authentication_error",
	InvalidCredentials:   "authentication_error",
	AmbiguousCredentials: "authentication_error",
	InvalidAPIKeyFormat:  "authentication_error",
	InvalidAPIKey:        "authentication_error",
	InvalidToken:         "authentication_error",
	ExpiredToken:         "authentication_error",
	SessionNotFound:      "authentication_error",
	SessionExpired:       "authentication_error",
	Forbidden:            "permission_error",
	InsufficientScope:    "permission_error",
	ModelNotAllowed:      "permission_error",
	IPNotAllowed:         "permission_error",
	Internal:             "authentication_error",
	NoModel:              "invalid_request_error",
	ProviderNotFound:     "invalid_request_error",
	NoDefaultProvider:    "invalid_request_error",
	InvalidScope:         "invalid_request_error",
	MissingComponent:     "internal_error",
	ConfigError:          "internal_error",
	InvalidModelFormat:   "invalid_request_error",
}

// httpStatus is the HTTP status for a given Kind.
var httpStatus = map[Kind]int{
	MissingCredentials:   http.StatusUnauthorized,
	InvalidCredentials:   http.StatusUnauthorized,
	AmbiguousCredentials: http.StatusBadRequest,
	InvalidAPIKeyFormat:  http.StatusUnauthorized,
	InvalidAPIKey:        http.StatusUnauthorized,
	InvalidToken:         http.StatusUnauthorized,
	ExpiredToken:         http.StatusUnauthorized,
	SessionNotFound:      http.StatusUnauthorized,
	SessionExpired:       http.StatusUnauthorized,
	Forbidden:            http.StatusForbidden,
	InsufficientScope:    http.StatusForbidden,
	ModelNotAllowed:      http.StatusForbidden,
	IPNotAllowed:         http.StatusForbidden,
	Internal:             http.StatusInternalServerError,
	NoModel:              http.StatusBadRequest,
	ProviderNotFound:     http.StatusNotFound,
	NoDefaultProvider:    http.StatusBadRequest,
	InvalidScope:         http.StatusBadRequest,
	MissingComponent:     http.StatusInternalServerError,
	ConfigError:          http.StatusInternalServerError,
	InvalidModelFormat:   http.StatusBadRequest,
}

// Error is a gateway error: a closed Kind plus a private, loggable message.
// The message is never echoed verbatim for kinds subject to the
// enumeration-prevention rule (InsufficientScope, ModelNotAllowed,
// IPNotAllowed) — see ClientMessage.
type Error struct {
	Kind    Kind
	Message string
	// RedirectURL is set only for the OidcAuthRequired control-flow case,
	// which is not an error kind but a flow signal handled by the caller
	// before an Error value would ever be constructed for it.
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the HTTP status code for this error's kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Type returns the OpenAI-compatible `type` field for this error's kind.
func (e *Error) Type() string {
	if t, ok := errType[e.Kind]; ok {
		return t
	}
	return "internal_error"
}

// ClientMessage returns the message safe to return to the caller. For the
// three enumeration-prevention kinds it returns a fixed generic message
// instead of e.Message, which may carry the authoritative allow-list and is
// only for server-side logs.
func (e *Error) ClientMessage() string {
	switch e.Kind {
	case InsufficientScope:
		return "the API key does not have sufficient scope for this operation"
	case ModelNotAllowed:
		return e.genericModelMessage()
	case IPNotAllowed:
		return "the request origin is not permitted for this API key"
	default:
		return e.Message
	}
}

// genericModelMessage preserves the model name in the message (per spec
// scenario B) while omitting the allow-list.
func (e *Error) genericModelMessage() string {
	return e.Message
}

// Envelope is the wire shape for every error response in the gateway's
// OpenAI-compatible surface.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Type      string  `json:"type"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Param     *string `json:"param"`
	RequestID string  `json:"request_id"`
}

// ToEnvelope builds the wire envelope for this error, stamping requestID.
func (e *Error) ToEnvelope(requestID string) Envelope {
	return Envelope{Error: EnvelopeBody{
		Type:      e.Type(),
		Code:      string(e.Kind),
		Message:   e.ClientMessage(),
		Param:     nil,
		RequestID: requestID,
	}}
}
