package runnerapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

type resetRequest struct {
	Token  string `json:"token"`
	Secret string `json:"secret,omitempty"`
}

// handleReset is the out-of-band recovery hook. With a secret it rotates
// (store + immediate re-register); without one it clears the secret and all
// registration state. Disabled entirely unless a reset token is configured.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.Config.ResetToken == "" {
		errorJSON(w, "Reset is not enabled", http.StatusNotFound)
		return
	}

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.Config.ResetToken)) != 1 {
		errorJSON(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if req.Secret != "" {
		if err := s.Registration.SetSecret(req.Secret); err != nil {
			errorJSON(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Registration.Register(r.Context(), s.Config.StatusMessage); err != nil {
			errorJSON(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rotated": true})
		return
	}

	if err := s.Registration.Reset(); err != nil {
		errorJSON(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": true})
}
