package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wyvernd/services/cluster"
	"wyvernd/services/installer"
)

func newInstallCommand() *cobra.Command {
	var (
		hostIP            string
		stateDir          string
		artifactsDir      string
		namespace         string
		trustedProxies    []string
		downloadArtifacts bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Bootstrap the provisioning stack on this host",
		Long: `Install provisions the local host as a workflow cluster: it claims a
floating address on the management network, bootstraps k3s, and deploys
the netboot stack into it. The command records its progress on disk and
resumes from the failed phase when re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "", log.LstdFlags)

			waiters := installer.WaiterFactory(func(kubeconfigPath string) (installer.ClusterWaiter, error) {
				creds, err := cluster.LoadKubeconfig(kubeconfigPath)
				if err != nil {
					return nil, err
				}
				return cluster.NewClient(creds, cluster.WithNamespace(namespace))
			})

			inst, err := installer.New(installer.Options{
				StateDir:          stateDir,
				HostIP:            hostIP,
				TrustedProxies:    trustedProxies,
				ArtifactsDir:      artifactsDir,
				DownloadArtifacts: downloadArtifacts,
				Namespace:         namespace,
			}, installer.NewPingProber(), installer.NewK3sBootstrapper(), installer.NewHelmDeployer(namespace), waiters, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return inst.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&hostIP, "host-ip", "", "address of this host on the management network")
	cmd.Flags().StringVar(&stateDir, "state-dir", "/var/lib/wyvernd", "directory for install state and rendered values")
	cmd.Flags().StringVar(&artifactsDir, "artifacts-dir", "/opt/wyvern/artifacts", "directory served to netbooting machines")
	cmd.Flags().StringVar(&namespace, "namespace", "tink", "cluster namespace for the netboot stack")
	cmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxy", nil, "CIDR trusted to set forwarded headers, repeatable")
	cmd.Flags().BoolVar(&downloadArtifacts, "download-artifacts", false, "let the stack fetch upstream boot artifacts instead of using imported bundles")
	_ = cmd.MarkFlagRequired("host-ip")

	return cmd
}
