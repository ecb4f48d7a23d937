package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"wyvernd/services/events"
	"wyvernd/services/installer"
	"wyvernd/services/tracker"
)

const ssePingInterval = time.Second

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel := a.broadcaster.Subscribe()
	defer cancel()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			// Comment frames keep proxies from closing idle streams.
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// handleEventSnapshot returns the current world for clients joining the
// stream: all machines, active workflow snapshots, and install state.
func (a *API) handleEventSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	machines, err := a.registry.List(ctx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	views := make([]machineView, 0, len(machines))
	workflows := map[string]tracker.WorkflowInfo{}
	for _, m := range machines {
		view := a.viewOf(m)
		views = append(views, view)
		if view.Workflow != nil {
			workflows[m.ID.String()] = *view.Workflow
		}
	}

	payload := map[string]any{
		"machines":  views,
		"workflows": workflows,
	}
	if a.config.StateDir != "" {
		if state, err := installer.LoadState(a.config.StateDir); err == nil {
			payload["install"] = state
		}
	}

	respondJSON(w, http.StatusOK, payload)
}
