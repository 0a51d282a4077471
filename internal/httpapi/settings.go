package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ngbaranov/ChatAi/internal/conversation"
)

const scopeUser = "user"

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		respondJSON(w, http.StatusOK, conversation.DefaultSettings())
		return
	}

	if strings.EqualFold(r.URL.Query().Get("scope"), scopeUser) {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		settings, err := s.deps.Settings.Settings(r.Context(), userID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, settings)
		return
	}

	settings, err := s.deps.Settings.GlobalSettings(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, settings.WithDefaults(conversation.DefaultSettings()))
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "settings are not configured")
		return
	}

	var in conversation.Settings
	if err := decodeJSON(r, &in); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "settings body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateSettings(in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}

	var err error
	if strings.EqualFold(r.URL.Query().Get("scope"), scopeUser) {
		userID, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		err = s.deps.Settings.SaveUserSettings(r.Context(), userID, in)
	} else {
		err = s.deps.Settings.SaveGlobalSettings(r.Context(), in)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "settings_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "settings updated"})
}

func validateSettings(in conversation.Settings) error {
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	for name, v := range map[string]*float64{
		"frequency_penalty": in.FrequencyPenalty,
		"presence_penalty":  in.PresencePenalty,
	} {
		if v != nil && (*v < -2 || *v > 2) {
			return fmt.Errorf("%s must be within [-2, 2]", name)
		}
	}
	return nil
}
