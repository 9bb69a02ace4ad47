package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/agentdesk/internal/store"
)

type configView struct {
	Model         *string        `json:"model"`
	Temperature   *float64       `json:"temperature"`
	SystemPrompt  *string        `json:"system_prompt"`
	ContextWindow *int           `json:"context_window"`
	Settings      map[string]any `json:"settings,omitempty"`
}

// handleDefaults exposes the process-level generation defaults, so clients
// can render effective values next to per-thread overrides.
func (s *Server) handleDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"model":          s.cfg.DefaultModel,
		"temperature":    s.cfg.DefaultTemperature,
		"context_window": s.cfg.ContextWindow,
	})
}

// handleGetConfig returns the thread's overrides. A thread without a config
// row answers with all-null fields.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	tc, err := s.deps.Store.GetConfig(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, configView{})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, configView{
		Model:         tc.Model,
		Temperature:   tc.Temperature,
		SystemPrompt:  tc.SystemPrompt,
		ContextWindow: tc.ContextWindow,
		Settings:      tc.Settings,
	})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}
	var req configView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "temperature must be in [0, 2]"})
		return
	}
	if req.ContextWindow != nil && *req.ContextWindow < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "context_window must be positive"})
		return
	}
	// The thread must exist; configs have no life of their own.
	if _, err := s.deps.Store.GetThread(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	err := s.deps.Store.UpsertConfig(r.Context(), &store.ThreadConfig{
		ThreadID:      id,
		Model:         req.Model,
		Temperature:   req.Temperature,
		SystemPrompt:  req.SystemPrompt,
		ContextWindow: req.ContextWindow,
		Settings:      req.Settings,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, req)
}
