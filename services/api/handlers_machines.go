package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wyvernd/services/cluster"
	"wyvernd/services/registry"
	"wyvernd/services/tracker"
)

// machineView is a machine plus its live workflow snapshot, when one is
// being tracked.
type machineView struct {
	registry.Machine
	Workflow *tracker.WorkflowInfo `json:"workflow,omitempty"`
}

func (a *API) viewOf(m registry.Machine) machineView {
	view := machineView{Machine: m.Redacted()}
	if info, ok := a.tracker.Snapshot(m.ID); ok {
		view.Workflow = &info
	}
	return view
}

func (a *API) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.MAC) == "" {
		respondError(w, http.StatusBadRequest, errors.New("mac is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, created, err := a.registry.Register(ctx, req)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if created {
		a.publishJSON(machineRegisteredSubject, map[string]any{
			"machine_id": machine.ID,
			"mac":        machine.MAC,
		})
		machine = a.autoAssign(r, machine)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{"machine": a.viewOf(machine)})
}

// autoAssign applies the configured default OS to a newly discovered
// machine. Failure leaves the machine awaiting assignment; registration
// itself already succeeded.
func (a *API) autoAssign(r *http.Request, machine registry.Machine) registry.Machine {
	if machine.Status != registry.StatusAwaitingAssignment {
		return machine
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	settings, err := a.registry.GetSettings(ctx)
	if err != nil || settings.DefaultOS == "" {
		return machine
	}

	assigned, err := a.assignTemplate(r, machine, settings.DefaultOS)
	if err != nil {
		a.logger.Printf("WARN default os %s for %s: %v", settings.DefaultOS, machine.MAC, err)
		return machine
	}
	return assigned
}

func (a *API) handleListMachines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var (
		machines []registry.Machine
		err      error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		parsed := registry.Status(status)
		if !parsed.Valid() {
			respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
			return
		}
		machines, err = a.registry.ListByStatus(ctx, parsed)
	} else {
		machines, err = a.registry.List(ctx)
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	views := make([]machineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, a.viewOf(m))
	}
	respondJSON(w, http.StatusOK, map[string]any{"machines": views})
}

func (a *API) handleGetMachine(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, map[string]any{"machine": a.viewOf(machine)})
}

func (a *API) handlePatchMachine(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var patch registry.FieldPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.registry.UpdateFields(ctx, id, patch)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"machine": a.viewOf(machine)})
}

// handleDeleteMachine tears a machine down everywhere: the tracker loop
// stops, the cluster objects go away, then the row (and its archive via
// FK cascade). Cluster failures abort before the row is touched so a
// retry can finish the job.
func (a *API) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
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

	a.tracker.Stop(id)

	if a.prov != nil {
		if err := a.prov.DeleteWorkflow(ctx, cluster.WorkflowName(machine.MAC)); err != nil {
			respondError(w, http.StatusBadGateway, fmt.Errorf("delete workflow: %w", err))
			return
		}
		if err := a.prov.DeleteHardware(ctx, cluster.HardwareName(machine.MAC)); err != nil {
			respondError(w, http.StatusBadGateway, fmt.Errorf("delete hardware: %w", err))
			return
		}
	}

	if err := a.registry.Delete(ctx, id); err != nil {
		respondServiceError(w, err)
		return
	}

	a.publishJSON(machineDeletedSubject, map[string]any{
		"machine_id": machine.ID,
		"mac":        machine.MAC,
	})
	respondJSON(w, http.StatusNoContent, nil)
}

func machineID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errors.New("valid machine id is required")
	}
	return id, nil
}
