package bundler

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed inventory shipped inside a boot-artifact bundle.
// Air-gapped sites verify it before any image touches the artifacts dir.
type Manifest struct {
	Version          string     `yaml:"version"`
	CreatedAt        time.Time  `yaml:"created_at"`
	Signer           string     `yaml:"signer,omitempty"`
	SigningPublicKey string     `yaml:"signing_public_key,omitempty"`
	Signature        string     `yaml:"signature,omitempty"`
	Templates        []string   `yaml:"templates,omitempty"`
	Artifacts        []Artifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest with the signature field blanked, so
// the same bytes are signed on build and verified on import.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Artifact describes one file in the bundle.
type Artifact struct {
	Path   string `yaml:"path"`
	Kind   string `yaml:"kind"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}
