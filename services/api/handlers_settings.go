package api

import (
	"fmt"
	"net/http"

	"wyvernd/services/registry"
)

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"templates": a.catalog.List(),
		"version":   a.catalog.Version(),
	})
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	settings, err := a.registry.GetSettings(ctx)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

func (a *API) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultOS      string `json:"default_os"`
		SetupCompleted bool   `json:"setup_completed"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if req.DefaultOS != "" {
		if _, ok := a.catalog.Get(req.DefaultOS); !ok {
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown template %q", req.DefaultOS))
			return
		}
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	settings, err := a.registry.UpdateSettings(ctx, registry.Settings{
		DefaultOS:      req.DefaultOS,
		SetupCompleted: req.SetupCompleted,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}
