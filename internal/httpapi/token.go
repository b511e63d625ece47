package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken exchanges the admin API key for a short-lived JWT so browser
// sessions do not have to hold the key itself.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}
	if !s.manager.VerifyAPIKey(req.APIKey) {
		writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid API key")
		return
	}

	token, expiresAt, err := s.manager.Mint("admin")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt,
	})
}
