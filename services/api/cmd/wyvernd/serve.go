package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"wyvernd/pkg/bus"
	"wyvernd/pkg/db"
	"wyvernd/pkg/s3"
	"wyvernd/pkg/telemetry"
	"wyvernd/services/api"
	"wyvernd/services/api/internal/config"
	"wyvernd/services/catalog"
	"wyvernd/services/cluster"
	"wyvernd/services/events"
	"wyvernd/services/registry"
	"wyvernd/services/tracker"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the machine API, workflow tracker, and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe("wyvernd")
		},
	}
}

// noClusterFetcher stands in for the workflow cluster when no kubeconfig is
// available. Watches resumed against it exhaust their retries and mark the
// machine errored instead of reporting stale progress.
type noClusterFetcher struct{}

func (noClusterFetcher) GetWorkflow(ctx context.Context, name string) (cluster.Workflow, error) {
	return cluster.Workflow{}, errors.New("provisioning cluster not configured")
}

func runServe(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, httpMiddleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Printf("WARN telemetry shutdown: %v", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.OpenORM(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	var natsBus *bus.Bus
	if cfg.NATSURL != "" {
		natsBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			logger.Printf("WARN nats unavailable, continuing without mirror: %v", err)
		} else {
			defer natsBus.Close()
		}
	}

	broadcasterOpts := []events.Option{events.WithBuffer(cfg.EventBuffer)}
	if natsBus != nil {
		broadcasterOpts = append(broadcasterOpts, events.WithMirror(natsBus.Conn(), bus.SubjectRoot))
	}
	broadcaster := events.New(broadcasterOpts...)
	defer broadcaster.Close()

	reg, err := registry.New(orm, broadcaster)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	var clusterClient *cluster.Client
	if cfg.Kubeconfig != "" {
		creds, err := cluster.LoadKubeconfig(cfg.Kubeconfig)
		if err != nil {
			logger.Printf("WARN workflow cluster disabled: %v", err)
		} else {
			clusterClient, err = cluster.NewClient(creds, cluster.WithNamespace(cfg.Namespace))
			if err != nil {
				logger.Printf("WARN workflow cluster disabled: %v", err)
				clusterClient = nil
			}
		}
	}

	var fetcher tracker.WorkflowFetcher = noClusterFetcher{}
	if clusterClient != nil {
		fetcher = clusterClient
	}

	trk, err := tracker.New(reg, fetcher, tracker.NewHistoryEstimator(pool), broadcaster, logger)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	defer trk.Close()

	cat, err := catalog.New(natsBus, cfg.TemplateDir, cfg.CatalogInterval)
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}
	go func() {
		if err := cat.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("WARN catalog watcher stopped: %v", err)
		}
	}()

	apiOpts := api.Options{}
	if clusterClient != nil {
		apiOpts.Prov = clusterClient
	}
	if natsBus != nil {
		apiOpts.Bus = natsBus.Conn()
	}
	if cfg.ArtifactBucket != "" {
		s3Client, err := s3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init artifact store: %w", err)
		}
		apiOpts.S3 = s3Client
	}

	apiLayer, err := api.New(reg, trk, cat, broadcaster, logger, api.Config{
		APIBase:        cfg.APIBase,
		ArtifactsBase:  cfg.ArtifactsBase,
		AgentToken:     cfg.AgentToken,
		ArtifactBucket: cfg.ArtifactBucket,
		StateDir:       cfg.StateDir,
	}, apiOpts)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	if clusterClient != nil {
		if err := cat.EnsureInCluster(ctx, clusterClient, cfg.Namespace, cfg.ArtifactsBase); err != nil {
			logger.Printf("WARN push templates to cluster: %v", err)
		}
		// Catalog changes are re-pushed without a restart.
		if natsBus != nil {
			sub, err := natsBus.Subscribe(ctx, bus.SubjectRoot+".templates.updated", "wyvernd-templates",
				func(ctx context.Context, _ []byte) error {
					return cat.EnsureInCluster(ctx, clusterClient, cfg.Namespace, cfg.ArtifactsBase)
				})
			if err != nil {
				logger.Printf("WARN template update subscription: %v", err)
			} else {
				defer sub.Close()
			}
		}
	}

	if err := apiLayer.Resume(ctx); err != nil {
		return fmt.Errorf("resume workflow watches: %w", err)
	}

	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	var ready atomic.Bool

	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	opsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() || db.Ping(r.Context(), pool) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	opsMux.Handle("/metrics", promhttp.Handler())

	appServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpMiddleware(routes),
	}
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.OpsPort),
		Handler: opsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Printf("INFO api listening on %s", appServer.Addr)
		if err := appServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Printf("INFO ops listening on %s", opsServer.Addr)
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	ready.Store(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Printf("INFO shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("WARN api shutdown: %v", err)
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("WARN ops shutdown: %v", err)
	}
	return nil
}
