package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
)

// FlagsHandler exposes runtime feature flags.
type FlagsHandler struct {
	store *flags.Store
}

func NewFlagsHandler(store *flags.Store) *FlagsHandler {
	return &FlagsHandler{store: store}
}

func (h *FlagsHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"flags": h.store.All()})
}

func (h *FlagsHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		middleware.SendError(w, http.StatusBadRequest, "flag name is required", "invalid_request_error")
		return
	}

	enabled, err := h.store.Toggle(body.Name)
	if err != nil {
		middleware.SendError(w, http.StatusNotFound, err.Error(), "flag_not_found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(flags.FlagState{Name: body.Name, Enabled: enabled})
}
