package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wyvernd/services/events"
	"wyvernd/services/power"
	"wyvernd/services/registry"
)

const powerActionTimeout = 30 * time.Second

func (a *API) powerDriver(m registry.Machine) (power.Driver, error) {
	return power.ForMachine(m.BMC)
}

func (a *API) handlePower(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.registry.Get(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	driver, err := a.powerDriver(machine)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	actionCtx, cancelAction := context.WithTimeout(r.Context(), powerActionTimeout)
	defer cancelAction()

	switch req.Action {
	case "on":
		err = driver.PowerOn(actionCtx)
	case "off":
		err = driver.PowerOff(actionCtx)
	case "cycle":
		err = driver.PowerCycle(actionCtx)
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown power action %q", req.Action))
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Errorf("power %s: %w", req.Action, err))
		return
	}

	a.broadcaster.Publish(events.Event{
		Type:      events.TypeMachineUpdated,
		MachineID: machine.ID.String(),
		Data: map[string]any{
			"machine": a.viewOf(machine),
			"changes": []string{"power"},
		},
	})

	respondJSON(w, http.StatusOK, map[string]any{"action": req.Action, "status": "ok"})
}

func (a *API) handlePowerStatus(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.registry.Get(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	driver, err := a.powerDriver(machine)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	statusCtx, cancelStatus := context.WithTimeout(r.Context(), powerActionTimeout)
	defer cancelStatus()

	state, err := driver.Status(statusCtx)
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Errorf("power status: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": state})
}
