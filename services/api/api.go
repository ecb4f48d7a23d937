// Package api exposes the machine lifecycle over HTTP: registration,
// OS assignment, live progress, power control, and the boot script.
package api

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"wyvernd/pkg/render"
	"wyvernd/pkg/s3"
	"wyvernd/services/catalog"
	"wyvernd/services/cluster"
	"wyvernd/services/events"
	"wyvernd/services/registry"
	"wyvernd/services/tracker"
)

const defaultPresignTTL = 15 * time.Minute

// Provisioner is the slice of the cluster client the API drives when
// assigning an OS or deleting a machine.
type Provisioner interface {
	EnsureHardware(ctx context.Context, hw cluster.Hardware) error
	EnsureTemplate(ctx context.Context, tpl cluster.Template) error
	CreateWorkflow(ctx context.Context, wf cluster.Workflow) error
	DeleteWorkflow(ctx context.Context, name string) error
	DeleteHardware(ctx context.Context, name string) error
	Namespace() string
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// APIBase is the externally reachable base URL, used in boot
	// scripts when the request host is not usable.
	APIBase string
	// ArtifactsBase is the image download base URL injected into OS
	// templates and boot scripts.
	ArtifactsBase string
	// AgentToken guards machine registration when non-empty.
	AgentToken     string
	ArtifactBucket string
	PresignTTL     time.Duration
	// StateDir holds the installer's progress file, surfaced in the
	// events snapshot when present.
	StateDir string
}

// API wires the domain services behind the HTTP surface.
type API struct {
	registry    *registry.Registry
	tracker     *tracker.Tracker
	catalog     *catalog.Catalog
	prov        Provisioner
	broadcaster *events.Broadcaster
	s3          *s3.Client
	bus         *nats.Conn
	renderer    *render.Engine
	logger      *log.Logger
	config      Config
}

// Options carries the optional collaborators. Prov, S3, and Bus may be
// nil; the endpoints needing them report the missing dependency.
type Options struct {
	Prov Provisioner
	S3   *s3.Client
	Bus  *nats.Conn
}

// New initialises the API layer.
func New(reg *registry.Registry, trk *tracker.Tracker, cat *catalog.Catalog, broadcaster *events.Broadcaster, logger *log.Logger, cfg Config, opts Options) (*API, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if trk == nil {
		return nil, errors.New("tracker is required")
	}
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ArtifactsBase == "" {
		return nil, errors.New("artifacts base url is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}

	renderer, err := render.New()
	if err != nil {
		return nil, err
	}

	return &API{
		registry:    reg,
		tracker:     trk,
		catalog:     cat,
		prov:        opts.Prov,
		broadcaster: broadcaster,
		s3:          opts.S3,
		bus:         opts.Bus,
		renderer:    renderer,
		logger:      logger,
		config:      cfg,
	}, nil
}
