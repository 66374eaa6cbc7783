package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/hadrian-run/hadrian/internal/apierr"
)

// Respond writes data as a JSON response with the given status code.
// A nil data writes an empty body.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the generic (non-gateway) error envelope used by ambient
// endpoints such as health checks. Gateway-facing errors use the OpenAI-style
// envelope produced by internal/apierr instead.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError writes a generic error envelope.
func RespondError(w http.ResponseWriter, status int, err, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// RespondGatewayError writes the OpenAI-compatible error envelope for a
// closed apierr.Error, using the request ID attached by the RequestID
// middleware.
func RespondGatewayError(w http.ResponseWriter, r *http.Request, gerr *apierr.Error) {
	Respond(w, gerr.HTTPStatus(), gerr.ToEnvelope(RequestIDFromContext(r.Context())))
}
