package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wyvernd/services/catalog"
	"wyvernd/services/cluster"
	"wyvernd/services/registry"
)

var errNoCluster = errors.New("provisioning cluster not configured")

// substrateError marks a failure talking to the provisioning cluster so
// handlers can report it as an upstream problem.
type substrateError struct {
	op  string
	err error
}

func (e *substrateError) Error() string { return e.op + ": " + e.err.Error() }
func (e *substrateError) Unwrap() error { return e.err }

func (a *API) handleAssignOS(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Template string `json:"template"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Template == "" {
		respondError(w, http.StatusBadRequest, errors.New("template is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machine, err := a.registry.Get(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	updated, err := a.assignTemplate(r, machine, req.Template)
	if err != nil {
		var subErr *substrateError
		switch {
		case errors.Is(err, errNoCluster):
			respondError(w, http.StatusFailedDependency, err)
		case errors.As(err, &subErr):
			respondError(w, http.StatusBadGateway, err)
		default:
			respondServiceError(w, err)
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"machine": a.viewOf(updated)})
}

// assignTemplate pushes the cluster objects for an install and flips the
// machine into InstallingOS. Assigning from a terminal state re-images:
// the old workflow is replaced and the machine is power-cycled when a
// BMC is configured.
func (a *API) assignTemplate(r *http.Request, machine registry.Machine, templateName string) (registry.Machine, error) {
	tpl, ok := a.catalog.Get(templateName)
	if !ok {
		return registry.Machine{}, &registry.ValidationError{Field: "template", Reason: fmt.Sprintf("unknown template %q", templateName)}
	}
	if !registry.CanAssignOS(machine.Status) {
		return registry.Machine{}, &registry.InvalidTransitionError{From: machine.Status, To: registry.StatusInstallingOS}
	}
	if a.prov == nil {
		return registry.Machine{}, errNoCluster
	}

	reimage := machine.Status.Terminal()

	clusterCtx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	ns := a.prov.Namespace()
	hostname := machine.Hostname
	if hostname == "" {
		hostname = machine.MemorableName
	}

	hw := cluster.HardwareConfig{
		MAC:         machine.MAC,
		Hostname:    hostname,
		IP:          machine.IP,
		Nameservers: machine.Nameservers,
	}
	for _, d := range machine.Disks {
		hw.DiskDevices = append(hw.DiskDevices, d.Device)
	}
	if err := a.prov.EnsureHardware(clusterCtx, cluster.NewHardware(ns, hw)); err != nil {
		return registry.Machine{}, &substrateError{op: "ensure hardware", err: err}
	}
	rendered := catalog.RenderData(tpl.Data, a.config.ArtifactsBase)
	if err := a.prov.EnsureTemplate(clusterCtx, cluster.NewTemplate(ns, tpl.Name, rendered)); err != nil {
		return registry.Machine{}, &substrateError{op: "ensure template", err: err}
	}
	// Replace any previous run so the tracker sees a fresh workflow.
	if err := a.prov.DeleteWorkflow(clusterCtx, cluster.WorkflowName(machine.MAC)); err != nil {
		return registry.Machine{}, &substrateError{op: "delete old workflow", err: err}
	}
	if err := a.prov.CreateWorkflow(clusterCtx, cluster.NewWorkflow(ns, tpl.Name, machine.MAC)); err != nil {
		return registry.Machine{}, &substrateError{op: "create workflow", err: err}
	}

	ctx, cancelStore := withTimeout(r.Context())
	defer cancelStore()

	updated, err := a.registry.AssignOS(ctx, machine.ID, tpl.Name)
	if err != nil {
		return registry.Machine{}, err
	}

	a.tracker.Watch(context.Background(), updated.ID, updated.MAC, tpl.Name)

	a.publishJSON(osAssignedSubject, map[string]any{
		"machine_id": updated.ID,
		"mac":        updated.MAC,
		"template":   tpl.Name,
	})

	if reimage && updated.BMC != nil {
		go a.powerCycleForReimage(updated)
	}

	return updated, nil
}

// powerCycleForReimage kicks a re-imaged machine into its netboot path.
// Best effort; a machine that will not cycle still has the workflow
// waiting for its next boot.
func (a *API) powerCycleForReimage(machine registry.Machine) {
	driver, err := a.powerDriver(machine)
	if err != nil {
		a.logger.Printf("WARN reimage power cycle %s: %v", machine.MAC, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := driver.PowerCycle(ctx); err != nil {
		a.logger.Printf("WARN reimage power cycle %s: %v", machine.MAC, err)
	}
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := machineID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	info, ok := a.tracker.Snapshot(id)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no tracked workflow for machine"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflow": info})
}
