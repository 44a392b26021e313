package chat

import (
	"errors"
	"net/http"
)

// Error taxonomy. Every layer wraps one of these with fmt.Errorf("%w: ...")
// so the HTTP layer can pick a status code with errors.Is, no matter how
// deep the failure happened.
var (
	// ErrValidation: the request body is malformed or names an unknown model.
	ErrValidation = errors.New("invalid request")

	// ErrUnsupportedModel: the selected native provider does not serve the model.
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrNotConfigured: no usable generic template for the requested mode.
	ErrNotConfigured = errors.New("not configured")

	// ErrConfiguration: a native model points at a provider that does not exist.
	ErrConfiguration = errors.New("provider misconfigured")

	// ErrTemplate: a provider expression failed to evaluate.
	ErrTemplate = errors.New("template error")

	// ErrBackend: the upstream call failed, returned non-2xx, or sent an
	// undecodable payload.
	ErrBackend = errors.New("backend error")

	// ErrAuth: the client token did not match.
	ErrAuth = errors.New("forbidden")
)

// StatusCode maps an error from the taxonomy to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedModel):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusForbidden
	case errors.Is(err, ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType returns the OpenAI-style "type" string for an error body.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedModel):
		return "invalid_request_error"
	case errors.Is(err, ErrAuth):
		return "authentication_error"
	case errors.Is(err, ErrBackend):
		return "upstream_error"
	default:
		return "server_error"
	}
}
