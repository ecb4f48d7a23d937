package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	machineRegisteredSubject = "wyvern.machines.registered"
	machineDeletedSubject    = "wyvern.machines.deleted"
	osAssignedSubject        = "wyvern.machines.os-assigned"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		// The event stream holds its connection open; everything else
		// gets the standard deadline.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.With(a.requireAgentToken).Post("/machines", a.handleRegisterMachine)
			r.Get("/machines", a.handleListMachines)
			r.Get("/machines/{id}", a.handleGetMachine)
			r.Patch("/machines/{id}", a.handlePatchMachine)
			r.Delete("/machines/{id}", a.handleDeleteMachine)

			r.Post("/machines/{id}/os", a.handleAssignOS)
			r.Post("/machines/{id}/power", a.handlePower)
			r.Get("/machines/{id}/power", a.handlePowerStatus)
			r.Get("/machines/{id}/workflow", a.handleGetWorkflow)

			r.Get("/events/snapshot", a.handleEventSnapshot)

			r.Get("/templates", a.handleListTemplates)
			r.Get("/settings", a.handleGetSettings)
			r.Put("/settings", a.handleUpdateSettings)

			r.Get("/boot/ipxe", a.handleBootScript)
			r.Get("/artifacts/presign", a.handlePresignArtifact)
		})

		r.Get("/events/stream", a.handleEventStream)
	})

	return r, nil
}
