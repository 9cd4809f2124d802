package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

type switchRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) handleModelSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.gw.SwitchModel(r.Context(), req.Provider, req.Model); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	current := h.gw.Current()
	slog.Info("model switched", "provider", current.Provider, "model", current.Model)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": current.Provider,
		"model":    current.Model,
	})
}

func (h *Handler) handleGetDefault(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.defaults.Get(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrDefaultModelNotSet) {
			writeError(w, http.StatusNotFound, "not_found", "default model not set")
			return
		}
		slog.Error("failed to load default model", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load default model")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": cfg.Provider,
		"model":    cfg.Model,
	})
}

// handleSetDefault switches the active model first so a bad selection is
// rejected before anything is persisted.
func (h *Handler) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.gw.SwitchModel(r.Context(), req.Provider, req.Model); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	current := h.gw.Current()
	if err := h.defaults.Set(r.Context(), current); err != nil {
		slog.Error("failed to persist default model", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "model switched but default not persisted")
		return
	}

	slog.Info("default model set", "provider", current.Provider, "model", current.Model)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": current.Provider,
		"model":    current.Model,
	})
}

func (h *Handler) handleClearDefault(w http.ResponseWriter, r *http.Request) {
	if err := h.defaults.Clear(r.Context()); err != nil {
		slog.Error("failed to clear default model", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to clear default model")
		return
	}

	slog.Info("default model cleared")
	w.WriteHeader(http.StatusNoContent)
}

type fallbacksPayload struct {
	PersonalityID string                 `json:"personality_id,omitempty"`
	Fallbacks     []domain.FallbackEntry `json:"fallbacks"`
}

func (h *Handler) handleGetFallbacks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, err := h.personalities.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPersonalityNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "personality not found")
			return
		}
		slog.Error("failed to load personality", "personality_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load personality")
		return
	}

	fallbacks := p.Fallbacks
	if fallbacks == nil {
		fallbacks = []domain.FallbackEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fallbacksPayload{
		PersonalityID: p.ID,
		Fallbacks:     fallbacks,
	})
}

func (h *Handler) handleSetFallbacks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req fallbacksPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	err := h.personalities.SetFallbacks(r.Context(), id, req.Fallbacks)
	if errors.Is(err, domain.ErrPersonalityNotFound) {
		// Personality records live with the assistant core; here the first
		// chain write creates the gateway-side entry.
		err = h.personalities.Save(r.Context(), &domain.Personality{
			ID:        id,
			Name:      id,
			Fallbacks: req.Fallbacks,
		})
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTooManyFallbacks):
			msg := fmt.Sprintf("fallback chain exceeds maximum length of %d", domain.MaxFallbackEntries)
			writeError(w, http.StatusBadRequest, "invalid_request", msg)
		case errors.Is(err, domain.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "invalid_request", "fallback entries need provider and model")
		default:
			slog.Error("failed to save fallback chain", "personality_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to save fallback chain")
		}
		return
	}

	slog.Info("fallback chain updated", "personality_id", id, "entries", len(req.Fallbacks))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fallbacksPayload{
		PersonalityID: id,
		Fallbacks:     req.Fallbacks,
	})
}

func (h *Handler) handleResetErrors(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.Tracker().ResetErrors(r.Context()); err != nil {
		slog.Error("failed to reset error counters", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to reset error counters")
		return
	}

	slog.Info("usage error counters reset")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleResetLatency(w http.ResponseWriter, r *http.Request) {
	if err := h.gw.Tracker().ResetLatency(r.Context()); err != nil {
		slog.Error("failed to reset latency stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to reset latency stats")
		return
	}

	slog.Info("usage latency stats reset")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
