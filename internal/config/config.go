// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage modes for sandbox session filesystems.
const (
	StorageEphemeral  = "ephemeral"
	StoragePersistent = "persistent"
)

// Dataset access modes.
const (
	DatasetAccessNone   = "NONE"
	DatasetAccessAPI    = "API"
	DatasetAccessHybrid = "HYBRID"
)

// Config is the full runtime configuration, populated from environment
// variables by Load. Zero-value fields fall back to documented defaults.
type Config struct {
	ListenAddr    string
	DatabaseURL   string
	CheckpointDB  string
	PublicBaseURL string
	CORSOrigins   []string

	// Generation defaults, overridable per thread.
	DefaultModel       string
	DefaultTemperature float64
	ContextWindow      int

	// Message POST rate limit, requests per minute per user. Zero disables.
	RateLimitRPM int

	// Artifact storage.
	BlobstoreDir      string
	MaxArtifactSizeMB int64
	ArtifactsSecret   string
	ArtifactsTokenTTL time.Duration

	// Sandbox.
	SandboxImage    string
	SessionStorage  string
	SessionsRoot    string
	TmpfsSizeMB     int64
	SandboxNetwork  string
	HybridLocalPath string
	DatasetAccess   string

	// Provider credentials.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	SearchAPIKey  string
}

// Load reads configuration from the environment. It returns an error only
// for values that cannot be parsed; missing optional values take defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envStr("LISTEN_ADDR", ":8000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		CheckpointDB:  envStr("CHECKPOINT_DB", ".checkpoints.sqlite"),
		PublicBaseURL: envStr("PUBLIC_BASE_URL", "http://localhost:8000"),

		DefaultModel: envStr("DEFAULT_MODEL", "gpt-4o"),

		BlobstoreDir:    envStr("BLOBSTORE_DIR", "blobstore"),
		ArtifactsSecret: os.Getenv("ARTIFACTS_SECRET"),

		SandboxImage:    envStr("SANDBOX_IMAGE", "sandbox:latest"),
		SessionStorage:  strings.ToLower(envStr("SESSION_STORAGE", StorageEphemeral)),
		SessionsRoot:    envStr("SESSIONS_ROOT", "sessions"),
		SandboxNetwork:  os.Getenv("SANDBOX_NETWORK"),
		HybridLocalPath: os.Getenv("HYBRID_LOCAL_PATH"),
		DatasetAccess:   strings.ToUpper(envStr("DATASET_ACCESS", DatasetAccessAPI)),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		SearchAPIKey:  os.Getenv("SEARCH_API_KEY"),
	}

	var err error
	if cfg.DefaultTemperature, err = envFloat("DEFAULT_TEMPERATURE", 0.7); err != nil {
		return nil, err
	}
	window, err := envInt("CONTEXT_WINDOW", 30000)
	if err != nil {
		return nil, err
	}
	cfg.ContextWindow = int(window)
	rpm, err := envInt("RATE_LIMIT_RPM", 0)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRPM = int(rpm)
	if cfg.MaxArtifactSizeMB, err = envInt("MAX_ARTIFACT_SIZE_MB", 50); err != nil {
		return nil, err
	}
	ttl, err := envInt("ARTIFACTS_TOKEN_TTL_SECONDS", 86400)
	if err != nil {
		return nil, err
	}
	cfg.ArtifactsTokenTTL = time.Duration(ttl) * time.Second
	if cfg.TmpfsSizeMB, err = envInt("TMPFS_SIZE_MB", 1024); err != nil {
		return nil, err
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	switch cfg.SessionStorage {
	case StorageEphemeral, StoragePersistent:
	default:
		return nil, fmt.Errorf("config: invalid SESSION_STORAGE %q", cfg.SessionStorage)
	}
	switch cfg.DatasetAccess {
	case DatasetAccessNone, DatasetAccessAPI, DatasetAccessHybrid:
	default:
		return nil, fmt.Errorf("config: invalid DATASET_ACCESS %q", cfg.DatasetAccess)
	}
	if cfg.DatasetAccess == DatasetAccessHybrid && cfg.HybridLocalPath == "" {
		return nil, fmt.Errorf("config: DATASET_ACCESS=HYBRID requires HYBRID_LOCAL_PATH")
	}
	return cfg, nil
}

// MaxArtifactBytes returns the artifact size cap in bytes.
func (c *Config) MaxArtifactBytes() int64 {
	return c.MaxArtifactSizeMB * 1024 * 1024
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
