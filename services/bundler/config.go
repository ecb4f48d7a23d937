package bundler

import (
	"io"
	"time"

	"wyvernd/pkg/s3"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// ImagesDir is walked recursively; every regular file becomes a
	// bundle artifact.
	ImagesDir string
	// TemplatesFile optionally lists the install templates this bundle
	// satisfies, one name per line.
	TemplatesFile string
	Output        string
	Signer        *Signer
	Now           func() time.Time
	Stdout        io.Writer
}

// ImportConfig configures bundle import.
type ImportConfig struct {
	BundlePath string
	// DestDir is the artifacts directory the provisioning stack serves
	// images from. Verified files are placed here.
	DestDir string
	// S3 and Bucket are optional; when set, verified artifacts are also
	// uploaded so the presign endpoints can hand out direct links.
	S3     *s3.Client
	Bucket string
	Signer *Signer
	Now    func() time.Time
	Stdout io.Writer
}
