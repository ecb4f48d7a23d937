package api

import (
	"context"
	"fmt"

	"wyvernd/services/registry"
)

// Resume restarts workflow watches for machines that were mid-install
// when the process last stopped. Tick order then picks up where the
// cluster is, so a finished install commits on the first poll.
func (a *API) Resume(ctx context.Context) error {
	machines, err := a.registry.ListByStatus(ctx, registry.StatusInstallingOS)
	if err != nil {
		return fmt.Errorf("list installing machines: %w", err)
	}

	for _, m := range machines {
		a.tracker.Watch(ctx, m.ID, m.MAC, m.OSChoice)
	}

	if len(machines) > 0 {
		a.logger.Printf("INFO resumed %d workflow watches", len(machines))
	}
	return nil
}
