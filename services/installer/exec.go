package installer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const (
	k3sKubeconfigPath = "/etc/rancher/k3s/k3s.yaml"

	stackChart   = "oci://ghcr.io/tinkerbell/charts/stack"
	stackVersion = "0.5.0"
	// The release name fixes the LoadBalancer service name the readiness
	// check looks up.
	stackRelease = "tink-stack"
)

// Bootstrapper brings up the single-node cluster that hosts the
// provisioning stack.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, floatingIP string) (kubeconfigPath string, err error)
}

// Deployer installs the provisioning stack chart into the cluster.
type Deployer interface {
	Deploy(ctx context.Context, kubeconfigPath, valuesPath string) error
}

// K3sBootstrapper installs k3s with the floating address as an extra TLS
// SAN so the API server stays reachable through the VIP.
type K3sBootstrapper struct {
	run commandRunner
}

func NewK3sBootstrapper() *K3sBootstrapper {
	return &K3sBootstrapper{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (b *K3sBootstrapper) Bootstrap(ctx context.Context, floatingIP string) (string, error) {
	script := fmt.Sprintf(
		"curl -sfL https://get.k3s.io | sh -s - --disable traefik --tls-san %s --write-kubeconfig-mode 0644",
		floatingIP,
	)
	output, err := b.run(ctx, "sh", "-c", script)
	if err != nil {
		return "", fmt.Errorf("k3s install: %w, output: %s", err, strings.TrimSpace(string(output)))
	}
	return k3sKubeconfigPath, nil
}

// HelmDeployer drives the stack chart with helm.
type HelmDeployer struct {
	run       commandRunner
	namespace string
}

func NewHelmDeployer(namespace string) *HelmDeployer {
	return &HelmDeployer{
		namespace: namespace,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (d *HelmDeployer) Deploy(ctx context.Context, kubeconfigPath, valuesPath string) error {
	args := []string{
		"upgrade", "--install", stackRelease, stackChart,
		"--version", stackVersion,
		"--namespace", d.namespace, "--create-namespace",
		"--wait", "--timeout", "15m",
		"--kubeconfig", kubeconfigPath,
		"-f", valuesPath,
	}
	output, err := d.run(ctx, "helm", args...)
	if err != nil {
		return fmt.Errorf("helm deploy: %w, output: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
