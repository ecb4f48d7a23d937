package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ws3 "wyvernd/pkg/s3"
	"wyvernd/services/bundler"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Build and import signed boot-artifact bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundleImportCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		imagesDir     string
		templatesFile string
		output        string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from an OS image directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				ImagesDir:     imagesDir,
				TemplatesFile: templatesFile,
				Output:        output,
				Signer:        signer,
				Stdout:        os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&imagesDir, "images-dir", "", "Directory containing OS images and boot artifacts")
	cmd.Flags().StringVar(&templatesFile, "templates-file", "", "Optional file listing template names the bundle serves")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("images-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundleImportCommand() *cobra.Command {
	var (
		bundleFile string
		destDir    string
		bucket     string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and install its artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			cfg := bundler.ImportConfig{
				BundlePath: bundleFile,
				DestDir:    destDir,
				Signer:     signer,
				Stdout:     os.Stdout,
			}
			if bucket != "" {
				s3Client, err := ws3.NewClientFromEnv()
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				cfg.S3 = s3Client
				cfg.Bucket = bucket
			}
			_, err = bundler.Import(ctx, cfg)
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&destDir, "dest", "/opt/wyvern/artifacts", "Directory artifacts are installed into")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Optional S3 bucket to mirror artifacts into")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
