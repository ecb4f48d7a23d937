// Package config loads wyvernd's serve-time configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the serve command needs to wire the API.
type Config struct {
	HTTPPort int
	OpsPort  int

	// APIBase is the external URL agents and boot scripts reach the API
	// on. ArtifactsBase is where machines download images from; it
	// defaults to APIBase + "/artifacts".
	APIBase       string
	ArtifactsBase string

	DatabaseURL string
	NATSURL     string

	// Kubeconfig points at the provisioning cluster. Empty disables the
	// cluster integration; OS assignment then fails until configured.
	Kubeconfig string
	Namespace  string

	AgentToken     string
	ArtifactBucket string

	TemplateDir     string
	CatalogInterval time.Duration

	StateDir    string
	EventBuffer int
}

// Load reads configuration from WYVERN_* environment variables.
func Load() (Config, error) {
	cfg := Config{}

	cfg.HTTPPort = getEnvInt("WYVERN_HTTP_PORT", 8080)
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("invalid WYVERN_HTTP_PORT: %d", cfg.HTTPPort)
	}
	cfg.OpsPort = getEnvInt("WYVERN_OPS_PORT", 9090)
	if cfg.OpsPort <= 0 || cfg.OpsPort > 65535 {
		return Config{}, fmt.Errorf("invalid WYVERN_OPS_PORT: %d", cfg.OpsPort)
	}

	cfg.APIBase = strings.TrimRight(getEnv("WYVERN_API_BASE", fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)), "/")
	cfg.ArtifactsBase = strings.TrimRight(getEnv("WYVERN_ARTIFACTS_BASE", cfg.APIBase+"/artifacts"), "/")

	cfg.DatabaseURL = os.Getenv("WYVERN_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("WYVERN_DATABASE_URL is required")
	}

	cfg.NATSURL = os.Getenv("WYVERN_NATS_URL")
	cfg.Kubeconfig = getEnv("WYVERN_KUBECONFIG", "/etc/rancher/k3s/k3s.yaml")
	cfg.Namespace = getEnv("WYVERN_NAMESPACE", "tink")
	cfg.AgentToken = os.Getenv("WYVERN_AGENT_TOKEN")
	cfg.ArtifactBucket = os.Getenv("WYVERN_ARTIFACT_BUCKET")
	cfg.TemplateDir = os.Getenv("WYVERN_TEMPLATE_DIR")

	cfg.CatalogInterval = getEnvDur("WYVERN_CATALOG_INTERVAL", 30*time.Second)
	if cfg.CatalogInterval <= 0 {
		return Config{}, fmt.Errorf("WYVERN_CATALOG_INTERVAL must be positive")
	}

	cfg.StateDir = getEnv("WYVERN_STATE_DIR", "/var/lib/wyvernd")

	cfg.EventBuffer = getEnvInt("WYVERN_EVENT_BUFFER", 100)
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("WYVERN_EVENT_BUFFER must be positive")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
