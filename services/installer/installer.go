// Package installer turns a bare host into a working provisioning stack:
// it claims a floating address, bootstraps a single-node cluster, and
// deploys the workflow services into it. Progress is persisted after each
// phase so an interrupted install resumes where it stopped.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"wyvernd/pkg/render"
	"wyvernd/services/events"
)

const (
	defaultStateDir = "/var/lib/wyvernd"

	nodeReadyTimeout  = 300 * time.Second
	readyPollInterval = 5 * time.Second

	// Name of the stack's LoadBalancer service once deployed.
	stackServiceName = "tink-stack"
)

// Options configures an install run.
type Options struct {
	StateDir          string
	HostIP            string
	TrustedProxies    []string
	ArtifactsDir      string
	DownloadArtifacts bool
	Namespace         string
}

// ClusterWaiter reports cluster readiness during bootstrap and deploy.
type ClusterWaiter interface {
	NodesReady(ctx context.Context) (ready, total int, err error)
	StatefulSetsReady(ctx context.Context, namespace string) (ready, total int, err error)
	ServiceIngressIP(ctx context.Context, namespace, name string) (string, error)
}

// WaiterFactory opens a readiness checker for a freshly written kubeconfig.
type WaiterFactory func(kubeconfigPath string) (ClusterWaiter, error)

// Installer executes the install phases in order.
type Installer struct {
	opts    Options
	store   stateStore
	prober  Prober
	boot    Bootstrapper
	deploy  Deployer
	waiters WaiterFactory
	render  *render.Engine
	events  *events.Broadcaster
	logger  *log.Logger

	euid         func() int
	hostAddrs    func() map[string]bool
	readyTimeout time.Duration
	pollInterval time.Duration
}

// New creates an Installer. The broadcaster is optional; phase events are
// dropped without one.
func New(opts Options, prober Prober, boot Bootstrapper, deploy Deployer, waiters WaiterFactory, broadcaster *events.Broadcaster, logger *log.Logger) (*Installer, error) {
	if opts.HostIP == "" {
		return nil, errors.New("host ip is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if boot == nil {
		return nil, errors.New("bootstrapper is required")
	}
	if deploy == nil {
		return nil, errors.New("deployer is required")
	}
	if waiters == nil {
		return nil, errors.New("waiter factory is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.StateDir == "" {
		opts.StateDir = defaultStateDir
	}
	if opts.Namespace == "" {
		opts.Namespace = "tink"
	}

	engine, err := render.New()
	if err != nil {
		return nil, err
	}

	return &Installer{
		opts:         opts,
		store:        newStateStore(opts.StateDir),
		prober:       prober,
		boot:         boot,
		deploy:       deploy,
		waiters:      waiters,
		render:       engine,
		events:       broadcaster,
		logger:       logger,
		euid:         unix.Geteuid,
		hostAddrs:    localAddrs,
		readyTimeout: nodeReadyTimeout,
		pollInterval: readyPollInterval,
	}, nil
}

// Run executes all remaining phases. Finished phases are skipped, so
// calling Run again after a failure retries from the failed phase.
func (i *Installer) Run(ctx context.Context) error {
	if i.euid() != 0 {
		return errors.New("stack install requires root")
	}

	state, err := i.store.Load()
	if err != nil {
		return err
	}

	if state.Phase == PhaseFailed {
		state.Phase = state.FailedPhase
		if state.Phase == "" {
			state.Phase = PhaseAddressAllocation
		}
		state.FailedPhase = ""
		state.LastError = ""
	}
	if state.Phase == PhaseComplete {
		i.emit(PhaseComplete, "provisioning stack already installed", nil)
		return nil
	}

	if err := i.runPhases(ctx, &state); err != nil {
		failed := state.Phase
		state.FailedPhase = failed
		state.Phase = PhaseFailed
		state.LastError = err.Error()
		if saveErr := i.store.Save(state); saveErr != nil {
			i.logger.Printf("installer: save failed state: %v", saveErr)
		}
		i.emit(failed, "", err)
		return &DeploymentError{Phase: failed, Err: err}
	}

	i.emit(PhaseComplete, "provisioning stack ready", nil)
	return nil
}

// State returns the persisted install progress.
func (i *Installer) State() (State, error) {
	return i.store.Load()
}

func (i *Installer) runPhases(ctx context.Context, state *State) error {
	if !state.Phase.reached(PhaseServiceDeployment) {
		if err := i.ensureAddress(ctx, state); err != nil {
			return err
		}
		if state.Phase == PhaseAddressAllocation {
			state.Phase = PhaseClusterBootstrap
			if err := i.store.Save(*state); err != nil {
				return err
			}
		}

		if err := i.ensureCluster(ctx, state); err != nil {
			return err
		}
		state.Phase = PhaseServiceDeployment
		if err := i.store.Save(*state); err != nil {
			return err
		}
	}

	if err := i.ensureStack(ctx, state); err != nil {
		return err
	}
	state.Phase = PhaseComplete
	return i.store.Save(*state)
}

// ensureAddress claims a floating address, or re-validates a previously
// claimed one. The claim is a soft lease: if something else answered on
// the address while we were down, a fresh one is picked.
func (i *Installer) ensureAddress(ctx context.Context, state *State) error {
	if state.FloatingIP != "" {
		inUse, err := i.prober.InUse(ctx, state.FloatingIP)
		if err == nil && !inUse {
			i.emit(PhaseAddressAllocation, "reusing floating address "+state.FloatingIP, nil)
			return nil
		}
		i.logger.Printf("installer: floating address %s no longer free, picking another", state.FloatingIP)
	}

	ip, err := pickFloatingIP(ctx, i.prober, i.opts.HostIP, i.hostAddrs(), maxAddressOffset)
	if err != nil {
		return err
	}
	state.FloatingIP = ip
	i.emit(PhaseAddressAllocation, "claimed floating address "+ip, nil)
	return nil
}

func (i *Installer) ensureCluster(ctx context.Context, state *State) error {
	i.emit(PhaseClusterBootstrap, "bootstrapping cluster", nil)

	kubeconfig := state.KubeconfigPath
	if kubeconfig == "" || !fileExists(kubeconfig) {
		path, err := i.boot.Bootstrap(ctx, state.FloatingIP)
		if err != nil {
			return err
		}
		kubeconfig = path
		state.KubeconfigPath = path
		if err := i.store.Save(*state); err != nil {
			return err
		}
	}

	waiter, err := i.waiters(kubeconfig)
	if err != nil {
		return err
	}

	err = i.waitReady(ctx, func(ctx context.Context) (bool, error) {
		ready, total, err := waiter.NodesReady(ctx)
		if err != nil {
			return false, err
		}
		return total > 0 && ready == total, nil
	})
	if err != nil {
		return fmt.Errorf("cluster node not ready: %w", err)
	}

	i.emit(PhaseClusterBootstrap, "cluster node ready", nil)
	return nil
}

func (i *Installer) ensureStack(ctx context.Context, state *State) error {
	i.emit(PhaseServiceDeployment, "deploying provisioning services", nil)

	values, err := i.render.StackValues(render.StackValuesData{
		PublicIP:          state.FloatingIP,
		TrustedProxies:    i.opts.TrustedProxies,
		ArtifactsDir:      i.opts.ArtifactsDir,
		DownloadArtifacts: i.opts.DownloadArtifacts,
	})
	if err != nil {
		return err
	}

	valuesPath := filepath.Join(i.opts.StateDir, "stack-values.yaml")
	if err := os.MkdirAll(i.opts.StateDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(valuesPath, []byte(values), 0o600); err != nil {
		return err
	}

	if err := i.deploy.Deploy(ctx, state.KubeconfigPath, valuesPath); err != nil {
		return err
	}

	waiter, err := i.waiters(state.KubeconfigPath)
	if err != nil {
		return err
	}
	err = i.waitReady(ctx, func(ctx context.Context) (bool, error) {
		ready, total, err := waiter.StatefulSetsReady(ctx, i.opts.Namespace)
		if err != nil {
			return false, err
		}
		return ready == total, nil
	})
	if err != nil {
		return fmt.Errorf("provisioning services not ready: %w", err)
	}

	// The stack must answer on the claimed address or netbooting machines
	// will never reach it. A missing ingress is only a warning: in proxy
	// mode the services bind the host network instead.
	switch ip, err := waiter.ServiceIngressIP(ctx, i.opts.Namespace, stackServiceName); {
	case err != nil:
		i.logger.Printf("installer: stack service address not readable: %v", err)
	case ip != "" && ip != state.FloatingIP:
		i.logger.Printf("installer: stack service answers on %s, expected %s", ip, state.FloatingIP)
	}

	i.emit(PhaseServiceDeployment, "provisioning services deployed", nil)
	return nil
}

func (i *Installer) waitReady(ctx context.Context, check func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(i.readyTimeout)
	for {
		ok, err := check(ctx)
		if err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("timed out: %w", err)
			}
			return errors.New("timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.pollInterval):
		}
	}
}

func (i *Installer) emit(phase Phase, text string, err error) {
	if err != nil {
		i.logger.Printf("installer: phase %s failed: %v", phase, err)
	} else if text != "" {
		i.logger.Printf("installer: %s", text)
	}

	if i.events == nil {
		return
	}
	payload := events.InstallPhasePayload{Phase: string(phase), Text: text}
	if err != nil {
		payload.Error = err.Error()
	}
	i.events.Publish(events.Event{Type: events.TypeInstallPhase, Data: payload})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
