package bundler

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func writeImageTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := map[string]string{
		"ubuntu-2204/ubuntu-2204.raw.gz": "compressed-disk-bytes",
		"netboot/ipxe.efi":               "efi-binary",
		"vmlinuz-6.1":                    "kernel-bytes",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return files
}

func TestBuildAndImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	imagesDir := t.TempDir()
	files := writeImageTree(t, imagesDir)

	templatesFile := filepath.Join(t.TempDir(), "templates.txt")
	if err := os.WriteFile(templatesFile, []byte("# bundle contents\nubuntu-2204\n\n"), 0o644); err != nil {
		t.Fatalf("write templates file: %v", err)
	}

	buildSigner := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "bundles", "boot.tar.zst")

	built, err := Build(ctx, BuildConfig{
		ImagesDir:     imagesDir,
		TemplatesFile: templatesFile,
		Output:        output,
		Signer:        buildSigner,
		Now:           func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
		Stdout:        io.Discard,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(built.Artifacts) != 3 {
		t.Fatalf("artifact count = %d, want 3", len(built.Artifacts))
	}
	if built.Signature == "" {
		t.Fatal("manifest not signed")
	}
	if !reflect.DeepEqual(built.Templates, []string{"ubuntu-2204"}) {
		t.Fatalf("templates = %v", built.Templates)
	}

	kinds := map[string]string{}
	for _, art := range built.Artifacts {
		kinds[art.Path] = art.Kind
	}
	wantKinds := map[string]string{
		"ubuntu-2204/ubuntu-2204.raw.gz": "os-image",
		"netboot/ipxe.efi":               "netboot",
		"vmlinuz-6.1":                    "kernel",
	}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Fatalf("kinds = %v, want %v", kinds, wantKinds)
	}

	// Import sites verify with the public key alone.
	importSigner, err := NewSigner("", buildSigner.PublicKeyBase64())
	if err != nil {
		t.Fatalf("import signer: %v", err)
	}

	destDir := filepath.Join(t.TempDir(), "artifacts")
	imported, err := Import(ctx, ImportConfig{
		BundlePath: output,
		DestDir:    destDir,
		Signer:     importSigner,
		Stdout:     io.Discard,
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(imported.Artifacts) != 3 {
		t.Fatalf("imported artifact count = %d, want 3", len(imported.Artifacts))
	}

	for rel, content := range files {
		data, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read installed %s: %v", rel, err)
		}
		if !bytes.Equal(data, []byte(content)) {
			t.Fatalf("installed %s = %q, want %q", rel, data, content)
		}
	}
}

func TestImportRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	imagesDir := t.TempDir()
	writeImageTree(t, imagesDir)

	output := filepath.Join(t.TempDir(), "boot.tar.zst")
	if _, err := Build(ctx, BuildConfig{
		ImagesDir: imagesDir,
		Output:    output,
		Signer:    newTestSigner(t),
		Stdout:    io.Discard,
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	otherSigner := newTestSigner(t)
	_, err := Import(ctx, ImportConfig{
		BundlePath: output,
		DestDir:    t.TempDir(),
		Signer:     otherSigner,
		Stdout:     io.Discard,
	})
	if err == nil || !strings.Contains(err.Error(), "unexpected key") {
		t.Fatalf("error = %v, want key mismatch", err)
	}
}

func TestVerifyManifestRejectsTampering(t *testing.T) {
	signer := newTestSigner(t)

	manifest := Manifest{
		Version:          "1",
		CreatedAt:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		SigningPublicKey: signer.PublicKeyBase64(),
		Artifacts: []Artifact{
			{Path: "vmlinuz-6.1", Kind: "kernel", Size: 12, SHA256: "aa"},
		},
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	manifest.Signature, err = signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	good, err := yaml.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := verifyManifest(signer, good); err != nil {
		t.Fatalf("verify untampered: %v", err)
	}

	manifest.Artifacts[0].SHA256 = "bb"
	tampered, err := yaml.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal tampered: %v", err)
	}
	if _, err := verifyManifest(signer, tampered); err == nil {
		t.Fatal("tampered manifest verified")
	}
}

func TestVerifyManifestRequiresSignature(t *testing.T) {
	signer := newTestSigner(t)
	unsigned, err := yaml.Marshal(Manifest{Version: "1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := verifyManifest(signer, unsigned); err == nil || !strings.Contains(err.Error(), "signature") {
		t.Fatalf("error = %v, want missing signature", err)
	}
}

func TestSignerPublicOnlyCannotSign(t *testing.T) {
	full := newTestSigner(t)
	publicOnly, err := NewSigner("", full.PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := publicOnly.Sign([]byte("payload")); err == nil {
		t.Fatal("public-only signer produced a signature")
	}
}

func TestInferKind(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"ubuntu-2204/ubuntu-2204.raw.gz", "os-image"},
		{"debian-12.img.gz", "os-image"},
		{"talos/disk.raw", "os-image"},
		{"vm/disk.qcow2", "os-image"},
		{"vmlinuz-6.1", "kernel"},
		{"boot/initramfs-6.1.img", "initrd"},
		{"netboot/ipxe.efi", "netboot"},
		{"netboot/undionly.kpxe", "netboot"},
		{"rescue.iso", "iso"},
		{"tools.tar.gz", "tar.gz"},
		{"README.md", "file"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := inferKind(tt.path); got != tt.want {
				t.Fatalf("inferKind(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestReadTemplatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.txt")
	content := "# header\nubuntu-2204\n\n  talos  \n# trailing\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readTemplatesFile(path)
	if err != nil {
		t.Fatalf("readTemplatesFile: %v", err)
	}
	if want := []string{"ubuntu-2204", "talos"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("templates = %v, want %v", got, want)
	}
}

func TestInstallArtifactRejectsEscape(t *testing.T) {
	src := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := installArtifact(src, t.TempDir(), "../evil"); err == nil {
		t.Fatal("escape path accepted")
	}
}
