package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxUploadBytes() != 200<<20 {
		t.Fatalf("expected 200 MiB upload cap, got %d", cfg.Limits.MaxUploadBytes())
	}
	if cfg.Limits.MaxVertices != 200000 || cfg.Limits.MaxFeatures != 2000 {
		t.Fatalf("unexpected geometry limits: %+v", cfg.Limits)
	}
	if cfg.Admission.LockTTL != 4*time.Hour {
		t.Fatalf("expected 4h lock ttl, got %v", cfg.Admission.LockTTL)
	}
	if cfg.Runs.Retention != 48*time.Hour {
		t.Fatalf("expected 48h retention, got %v", cfg.Runs.Retention)
	}
	if cfg.Raster.FirstYear != 1951 || cfg.Raster.MaxMissingRatio != 0.1 {
		t.Fatalf("unexpected raster defaults: %+v", cfg.Raster)
	}
	if cfg.Admission.MinFreeDiskBytes() != 2<<30 {
		t.Fatalf("expected 2 GiB disk floor, got %d", cfg.Admission.MinFreeDiskBytes())
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("expected default dev origins, got %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  job_timeout: 30m
logging:
  development: false
limits:
  max_upload_mb: 10
  max_vertices: 500
admission:
  rate_limit_per_min: 0
  lock_ttl: 1h
  store: redis
  limiter: token
redis:
  addr: cache:6379
raster:
  cache_dir: /var/cache/zca
  last_year: 2020
  workers: 8
runs:
  dir: /srv/runs
  retention: 0s
render:
  mode: command
  command: /usr/local/bin/zca-plots
  args: ["--dpi", "150"]
mirror:
  kind: minio
  bucket: runs
  minio:
    endpoint: minio:9000
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.JobTimeout != 30*time.Minute {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if cfg.Limits.MaxUploadBytes() != 10<<20 || cfg.Limits.MaxVertices != 500 {
		t.Fatalf("expected limit overrides, got %+v", cfg.Limits)
	}
	if cfg.Admission.RateLimitPerMin != 0 || cfg.Admission.Store != "redis" || cfg.Admission.Limiter != "token" {
		t.Fatalf("expected admission overrides, got %+v", cfg.Admission)
	}
	if cfg.Raster.LastYear != 2020 || cfg.Raster.Workers != 8 {
		t.Fatalf("expected raster overrides, got %+v", cfg.Raster)
	}
	if cfg.Runs.Retention != 0 {
		t.Fatalf("expected retention disabled, got %v", cfg.Runs.Retention)
	}
	if len(cfg.Render.Args) != 2 || cfg.Render.Args[1] != "150" {
		t.Fatalf("expected render args, got %v", cfg.Render.Args)
	}
	if cfg.Mirror.MinIO.Endpoint != "minio:9000" {
		t.Fatalf("expected minio endpoint, got %+v", cfg.Mirror)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("ZCA_MAX_UPLOAD_MB", "50")
	t.Setenv("ZCA_RATE_LIMIT_PER_MIN", "7")
	t.Setenv("ZCA_RUN_RETENTION_HOURS", "12")
	t.Setenv("ZCA_LOCK_TTL_SECONDS", "7200")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxUploadMB != 50 {
		t.Fatalf("expected legacy upload cap, got %d", cfg.Limits.MaxUploadMB)
	}
	if cfg.Admission.RateLimitPerMin != 7 {
		t.Fatalf("expected legacy rate limit, got %d", cfg.Admission.RateLimitPerMin)
	}
	if cfg.Runs.Retention != 12*time.Hour {
		t.Fatalf("expected 12h retention, got %v", cfg.Runs.Retention)
	}
	if cfg.Admission.LockTTL != 2*time.Hour {
		t.Fatalf("expected 2h lock ttl, got %v", cfg.Admission.LockTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "Server.Port",
		},
		{
			name:   "unknown lease store",
			mutate: func(c *Config) { c.Admission.Store = "etcd" },
			want:   "Admission.Store",
		},
		{
			name:   "job outlives lease",
			mutate: func(c *Config) { c.Server.JobTimeout = c.Admission.LockTTL },
			want:   "server.job_timeout",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Admission.Store = "postgres" },
			want:   "db.dsn",
		},
		{
			name:   "command renderer without command",
			mutate: func(c *Config) { c.Render.Mode = "command" },
			want:   "render.command",
		},
		{
			name:   "inverted year range",
			mutate: func(c *Config) { c.Raster.LastYear = 1900 },
			want:   "raster.last_year",
		},
		{
			name:   "missing ratio above one",
			mutate: func(c *Config) { c.Raster.MaxMissingRatio = 1.5 },
			want:   "Raster.MaxMissingRatio",
		},
		{
			name:   "gcs mirror without bucket",
			mutate: func(c *Config) { c.Mirror.Kind = "gcs" },
			want:   "mirror.bucket",
		},
		{
			name:   "degenerate coverage extent",
			mutate: func(c *Config) { c.Coverage.Extent = []float64{1, 1, 1, 1} },
			want:   "coverage.extent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Coverage.Extent = append([]float64(nil), base.Coverage.Extent...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
