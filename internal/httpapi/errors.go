package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/ask"
	"github.com/cloudvelous/ragloop/internal/feedback"
	"github.com/cloudvelous/ragloop/internal/generation"
	"github.com/cloudvelous/ragloop/internal/llm"
	"github.com/cloudvelous/ragloop/internal/retrieval"
	"github.com/cloudvelous/ragloop/internal/store"
)

// Error kinds surfaced in response envelopes. Clients branch on these, so
// they are part of the API contract.
const (
	kindInvalidInput     = "invalid_input"
	kindUnauthorized     = "unauthorized"
	kindNotFound         = "not_found"
	kindAlreadyFinalised = "already_finalised"
	kindRateLimited      = "rate_limited"
	kindProviderError    = "provider_error"
	kindTimeout          = "timeout"
	kindInternal         = "internal"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errorEnvelope is the JSON shape of every non-2xx response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: kind, Message: message}})
}

// classify maps an engine error onto an HTTP status and error kind.
// Timeouts are checked before provider errors because a provider failure
// that is really a deadline should read as a timeout to the client.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ask.ErrQueryEmpty),
		errors.Is(err, ask.ErrQueryTooLong),
		errors.Is(err, retrieval.ErrInvalidTopK),
		errors.Is(err, retrieval.ErrEmptyVector),
		errors.Is(err, feedback.ErrDuplicateChunk),
		errors.Is(err, feedback.ErrChunkNotInSession):
		return http.StatusBadRequest, kindInvalidInput
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, store.ErrAlreadyFinalised):
		return http.StatusConflict, kindAlreadyFinalised
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kindTimeout
	case isProviderError(err):
		return http.StatusBadGateway, kindProviderError
	default:
		return http.StatusInternalServerError, kindInternal
	}
}

func isProviderError(err error) bool {
	var pe *llm.ProviderError
	var ge *generation.GeneratorError
	return errors.As(err, &pe) || errors.As(err, &ge)
}

// respondError writes the envelope for a handler failure. 4xx responses
// carry the engine's message; 5xx responses carry a fixed message and the
// detail goes to the log only.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	message := err.Error()
	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
		message = genericMessage(kind)
	}
	writeError(w, status, kind, sanitizeErr(message))
}

func genericMessage(kind string) string {
	switch kind {
	case kindProviderError:
		return "language model provider failed"
	case kindTimeout:
		return "request timed out"
	default:
		return "internal error"
	}
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
