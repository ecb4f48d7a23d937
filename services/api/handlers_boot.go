package api

import (
	"errors"
	"net/http"
	"strings"

	"wyvernd/pkg/render"
	"wyvernd/services/registry"
)

// bootAction decides what a machine does on PXE boot. Machines with a
// working OS boot their local disk; everything else (including MACs we
// have never seen) boots the provisioning environment.
func bootAction(m registry.Machine, known bool) string {
	if !known {
		return "netboot"
	}
	switch m.Status {
	case registry.StatusReady, registry.StatusExistingOS:
		return "local"
	default:
		return "netboot"
	}
}

func (a *API) handleBootScript(w http.ResponseWriter, r *http.Request) {
	mac := strings.TrimSpace(r.URL.Query().Get("mac"))
	if mac == "" {
		respondError(w, http.StatusBadRequest, errors.New("mac query parameter is required"))
		return
	}

	normalized, err := registry.NormalizeMAC(mac)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	known := true
	machine, err := a.registry.GetByMAC(ctx, normalized)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		known = false
	case err != nil:
		respondServiceError(w, err)
		return
	}

	rendered, err := a.renderer.BootScript(render.BootScriptData{
		Action:  bootAction(machine, known),
		BaseURL: a.config.ArtifactsBase,
		MAC:     normalized,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(rendered))
}
