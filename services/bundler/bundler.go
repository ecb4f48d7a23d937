// Package bundler builds and imports signed boot-artifact bundles. A
// bundle is a tar.zst archive holding OS images, kernels, and netboot
// binaries plus a signed manifest, so an air-gapped site can load
// everything the provisioning stack serves from a single file.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
)

// Build assembles a signed bundle from the images directory and writes
// the tar.zst archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.ImagesDir == "" {
		return nil, errors.New("images directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.ImagesDir)
	if err != nil {
		return nil, fmt.Errorf("stat images dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("images dir %q is not a directory", cfg.ImagesDir)
	}

	entries, err := collectArtifacts(ctx, cfg.ImagesDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}

	templates, err := readTemplatesFile(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:          "1",
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Templates:        templates,
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.ImagesDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts)\n", cfg.Output, len(entries))
	return manifest, nil
}

// Import verifies a bundle and installs its artifacts into the serving
// directory, optionally mirroring them to S3.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if cfg.DestDir == "" {
		return nil, errors.New("destination directory is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.S3 != nil && cfg.Bucket == "" {
		return nil, errors.New("bucket is required when uploading to s3")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifestBytes, files, cleanup, err := extractBundle(ctx, cfg.BundlePath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	manifest, err := verifyManifest(cfg.Signer, manifestBytes)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	for _, art := range manifest.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		relative := filepath.ToSlash(filepath.Clean(art.Path))
		tarPath := filepath.ToSlash(filepath.Join(artifactsTarPrefix, relative))
		tempPath, ok := files[tarPath]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", relative)
		}

		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}

		if err := installArtifact(tempPath, cfg.DestDir, relative); err != nil {
			return nil, err
		}

		if cfg.S3 != nil {
			if err := uploadArtifact(ctx, cfg, tempPath, relative, art); err != nil {
				return nil, err
			}
		}

		fmt.Fprintf(cfg.Stdout, "installed %s (%d bytes)\n", relative, art.Size)
	}

	return manifest, nil
}

func collectArtifacts(ctx context.Context, root string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", path, err)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("hash %q: %w", path, err)
		}

		artifacts = append(artifacts, Artifact{
			Path:   rel,
			Kind:   inferKind(rel),
			Size:   size,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func readTemplatesFile(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	var templates []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		templates = append(templates, trimmed)
	}
	return templates, nil
}

func writeBundle(output string, manifest []byte, imagesDir string, entries []Artifact) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		fullPath := filepath.Join(imagesDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		src, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(artifactsTarPrefix, entry.Path)),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			src.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		src.Close()
	}

	return nil
}

// extractBundle unpacks the archive into a temp dir and returns the raw
// manifest bytes plus a map from tar path to extracted file path.
func extractBundle(ctx context.Context, bundlePath string) ([]byte, map[string]string, func(), error) {
	noop := func() {}

	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tempDir, err := os.MkdirTemp("", "wyvern-bundle-*")
	if err != nil {
		return nil, nil, noop, fmt.Errorf("temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	tr := tar.NewReader(decoder)
	var (
		manifestBytes []byte
		files         = map[string]string{}
	)

	for {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, nil, noop, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return nil, nil, noop, fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(header.Name)
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if name == manifestFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				cleanup()
				return nil, nil, noop, fmt.Errorf("read manifest: %w", err)
			}
			manifestBytes = data
			continue
		}

		targetPath := filepath.Join(tempDir, name)
		// Entries must stay inside the temp dir.
		if !strings.HasPrefix(targetPath, tempDir+string(os.PathSeparator)) {
			cleanup()
			return nil, nil, noop, fmt.Errorf("invalid entry path %q", name)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			cleanup()
			return nil, nil, noop, fmt.Errorf("mkdir for %q: %w", name, err)
		}
		file, err := os.Create(targetPath)
		if err != nil {
			cleanup()
			return nil, nil, noop, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			cleanup()
			return nil, nil, noop, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()

		files[filepath.ToSlash(name)] = targetPath
	}

	if len(manifestBytes) == 0 {
		cleanup()
		return nil, nil, noop, errors.New("bundle missing manifest.yaml")
	}

	return manifestBytes, files, cleanup, nil
}

func verifyManifest(signer *Signer, manifestBytes []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != "1" {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	return &manifest, nil
}

func validateArtifact(path string, art Artifact) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", art.Path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", art.Path, err)
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	computed := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(computed, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

// installArtifact moves a verified file into the serving directory. The
// copy goes through a temp name so a half-written image is never served.
func installArtifact(srcPath, destDir, relative string) error {
	destPath := filepath.Join(destDir, filepath.FromSlash(relative))
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("artifact path %q escapes destination", relative)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %q: %w", relative, err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", relative, err)
	}
	defer src.Close()

	tmp := destPath + ".partial"
	dest, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %q: %w", relative, err)
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %q: %w", relative, err)
	}
	if err := dest.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %q: %w", relative, err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install %q: %w", relative, err)
	}
	return nil
}

func uploadArtifact(ctx context.Context, cfg ImportConfig, srcPath, relative string, art Artifact) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %q for upload: %w", relative, err)
	}
	defer file.Close()

	key := filepath.ToSlash(filepath.Join(artifactsTarPrefix, relative))
	if err := cfg.S3.PutObject(ctx, cfg.Bucket, key, file, art.Size, art.SHA256); err != nil {
		return fmt.Errorf("upload %q: %w", relative, err)
	}
	return nil
}

// inferKind classifies an artifact by its file name so import reports
// and the API can label bundle contents.
func inferKind(path string) string {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(base, ".raw.gz") || strings.HasSuffix(base, ".img.gz") ||
		strings.HasSuffix(base, ".raw") || strings.HasSuffix(base, ".qcow2"):
		return "os-image"
	case strings.HasPrefix(base, "vmlinuz") || strings.HasPrefix(base, "kernel"):
		return "kernel"
	case strings.HasPrefix(base, "initramfs") || strings.HasPrefix(base, "initrd"):
		return "initrd"
	case strings.HasSuffix(base, ".efi") || strings.HasSuffix(base, ".kpxe") ||
		strings.HasPrefix(base, "undionly"):
		return "netboot"
	case strings.HasSuffix(base, ".iso"):
		return "iso"
	case strings.HasSuffix(base, ".tar.gz") || strings.HasSuffix(base, ".tgz"):
		return "tar.gz"
	default:
		return "file"
	}
}
