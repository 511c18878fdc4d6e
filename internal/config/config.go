// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Raster    RasterConfig    `mapstructure:"raster"`
	Coverage  CoverageConfig  `mapstructure:"coverage"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Render    RenderConfig    `mapstructure:"render"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"gt=0,lt=65536"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
	TrustForwardedFor bool          `mapstructure:"trust_forwarded_for"`
	// WorkDir holds temporary extraction workspaces. Empty means os.TempDir.
	WorkDir string `mapstructure:"work_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// LimitsConfig bounds what a single upload may contain.
type LimitsConfig struct {
	MaxUploadMB          int `mapstructure:"max_upload_mb" validate:"gt=0"`
	MaxZipFiles          int `mapstructure:"max_zip_files" validate:"gt=0"`
	MaxZipUncompressedMB int `mapstructure:"max_zip_uncompressed_mb" validate:"gt=0"`
	MaxFeatures          int `mapstructure:"max_features" validate:"gt=0"`
	MaxVertices          int `mapstructure:"max_vertices" validate:"gt=0"`
}

// MaxUploadBytes returns the upload cap in bytes.
func (l LimitsConfig) MaxUploadBytes() int64 {
	return int64(l.MaxUploadMB) << 20
}

// MaxZipUncompressedBytes returns the extraction cap in bytes.
func (l LimitsConfig) MaxZipUncompressedBytes() int64 {
	return int64(l.MaxZipUncompressedMB) << 20
}

// AdmissionConfig governs rate limiting, leasing, and disk preflight.
type AdmissionConfig struct {
	// RateLimitPerMin of 0 disables rate limiting.
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min" validate:"gte=0"`
	LockTTL         time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	MinFreeDiskGB   float64       `mapstructure:"min_free_disk_gb" validate:"gte=0"`
	Store           string        `mapstructure:"store" validate:"oneof=memory postgres redis"`
	Limiter         string        `mapstructure:"limiter" validate:"oneof=window token"`
}

// MinFreeDiskBytes converts the configured floor to bytes.
func (a AdmissionConfig) MinFreeDiskBytes() uint64 {
	return uint64(a.MinFreeDiskGB * float64(1<<30))
}

// ScanConfig configures the malware scanner subprocess.
type ScanConfig struct {
	Binary  string        `mapstructure:"binary" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// Require is read for compatibility only; scanning is never skipped.
	Require bool `mapstructure:"require"`
}

// RasterConfig drives the raster archive.
type RasterConfig struct {
	CacheDir        string        `mapstructure:"cache_dir" validate:"required"`
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	UserAgent       string        `mapstructure:"user_agent"`
	FirstYear       int           `mapstructure:"first_year" validate:"gte=1881"`
	LastYear        int           `mapstructure:"last_year" validate:"gte=0"`
	Workers         int           `mapstructure:"workers" validate:"gt=0"`
	MaxMissingRatio float64       `mapstructure:"max_missing_ratio" validate:"gte=0,lte=1"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	// RequestsPerSecond paces requests to the archive host. 0 disables pacing.
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	RefreshAfter      time.Duration `mapstructure:"refresh_after" validate:"gte=0"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig configures download retry behavior.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gte=0"`
}

// CoverageConfig describes where raster data exists.
type CoverageConfig struct {
	// BoundaryPath optionally points at a WGS84 GeoJSON boundary.
	BoundaryPath string `mapstructure:"boundary_path"`
	// Extent is minx, miny, maxx, maxy in the analysis CRS.
	Extent []float64 `mapstructure:"extent" validate:"len=4"`
}

// RunsConfig controls run publication and retention.
type RunsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
	// Retention of 0 keeps runs forever.
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	BaseURL       string        `mapstructure:"base_url" validate:"required"`
}

// RenderConfig selects the rendering collaborator.
type RenderConfig struct {
	Mode    string        `mapstructure:"mode" validate:"oneof=builtin command"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=0"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig addresses the coordination Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// MirrorConfig selects where finished bundles are copied.
type MirrorConfig struct {
	Kind   string            `mapstructure:"kind" validate:"oneof=none local gcs minio"`
	Bucket string            `mapstructure:"bucket"`
	Prefix string            `mapstructure:"prefix"`
	Local  LocalMirrorConfig `mapstructure:"local"`
	MinIO  MinIOConfig       `mapstructure:"minio"`
}

// LocalMirrorConfig points the local mirror at a directory.
type LocalMirrorConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// MinIOConfig holds S3-compatible endpoint credentials.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// legacyEnv maps flat environment names used by earlier deployments.
var legacyEnv = map[string]string{
	"limits.max_upload_mb":           "ZCA_MAX_UPLOAD_MB",
	"limits.max_zip_files":           "ZCA_MAX_ZIP_FILES",
	"limits.max_zip_uncompressed_mb": "ZCA_MAX_ZIP_UNCOMPRESSED_MB",
	"limits.max_features":            "ZCA_MAX_FEATURES",
	"limits.max_vertices":            "ZCA_MAX_VERTICES",
	"admission.min_free_disk_gb":     "ZCA_MIN_FREE_DISK_GB",
	"admission.rate_limit_per_min":   "ZCA_RATE_LIMIT_PER_MIN",
	"scan.require":                   "ZCA_REQUIRE_CLAMSCAN",
	"server.allowed_origins":         "ZCA_ALLOWED_ORIGINS",
	"legacy.run_retention_hours":     "ZCA_RUN_RETENTION_HOURS",
	"legacy.lock_ttl_seconds":        "ZCA_LOCK_TTL_SECONDS",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ZCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if v.IsSet("legacy.run_retention_hours") {
		cfg.Runs.Retention = time.Duration(v.GetFloat64("legacy.run_retention_hours") * float64(time.Hour))
	}
	if v.IsSet("legacy.lock_ttl_seconds") {
		cfg.Admission.LockTTL = time.Duration(v.GetInt64("legacy.lock_ttl_seconds")) * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, env := range legacyEnv {
		structured := "ZCA_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, structured, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("server.request_timeout", 3*time.Hour)
	v.SetDefault("server.job_timeout", 2*time.Hour)
	v.SetDefault("server.trust_forwarded_for", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("limits.max_upload_mb", 200)
	v.SetDefault("limits.max_zip_files", 2000)
	v.SetDefault("limits.max_zip_uncompressed_mb", 1600)
	v.SetDefault("limits.max_features", 2000)
	v.SetDefault("limits.max_vertices", 200000)
	v.SetDefault("admission.rate_limit_per_min", 120)
	v.SetDefault("admission.lock_ttl", 4*time.Hour)
	v.SetDefault("admission.min_free_disk_gb", 2.0)
	v.SetDefault("admission.store", "memory")
	v.SetDefault("admission.limiter", "window")
	v.SetDefault("scan.binary", "clamscan")
	v.SetDefault("scan.timeout", 15*time.Minute)
	v.SetDefault("scan.require", true)
	v.SetDefault("raster.cache_dir", "data/dwd")
	v.SetDefault("raster.base_url", "https://opendata.dwd.de/climate_environment/CDC/grids_germany/annual/")
	v.SetDefault("raster.user_agent", "zonal-climate-analyzer/1.0")
	v.SetDefault("raster.first_year", 1951)
	v.SetDefault("raster.last_year", 0)
	v.SetDefault("raster.workers", 4)
	v.SetDefault("raster.max_missing_ratio", 0.1)
	v.SetDefault("raster.http_timeout", 30*time.Second)
	v.SetDefault("raster.refresh_after", 7*24*time.Hour)
	v.SetDefault("raster.requests_per_second", 4.0)
	v.SetDefault("raster.retry.max_attempts", 5)
	v.SetDefault("raster.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("raster.retry.max_delay", 10*time.Second)
	v.SetDefault("coverage.extent", []float64{3280414.71, 5237500.63, 3934414.71, 6103500.63})
	v.SetDefault("runs.dir", "output/web_runs")
	v.SetDefault("runs.retention", 48*time.Hour)
	v.SetDefault("runs.sweep_interval", 15*time.Minute)
	v.SetDefault("runs.base_url", "/runs")
	v.SetDefault("render.mode", "builtin")
	v.SetDefault("render.timeout", 10*time.Minute)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mirror.kind", "none")
	v.SetDefault("mirror.prefix", "runs")
	v.SetDefault("telemetry.service_name", "zonal-climate-analyzer")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.JobTimeout >= c.Admission.LockTTL {
		return fmt.Errorf("server.job_timeout must be shorter than admission.lock_ttl")
	}
	if c.Admission.Store == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when admission.store is postgres")
	}
	if c.Admission.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when admission.store is redis")
	}
	if c.Render.Mode == "command" && c.Render.Command == "" {
		return fmt.Errorf("render.command must be set when render.mode is command")
	}
	if c.Raster.LastYear != 0 && c.Raster.LastYear < c.Raster.FirstYear {
		return fmt.Errorf("raster.last_year must be >= raster.first_year")
	}
	if c.Raster.Retry.MaxDelay < c.Raster.Retry.BaseDelay {
		return fmt.Errorf("raster.retry.max_delay must be >= raster.retry.base_delay")
	}
	if c.Coverage.Extent[0] >= c.Coverage.Extent[2] || c.Coverage.Extent[1] >= c.Coverage.Extent[3] {
		return fmt.Errorf("coverage.extent must be minx, miny, maxx, maxy")
	}
	switch c.Mirror.Kind {
	case "gcs":
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket must be set when mirror.kind is gcs")
		}
	case "minio":
		if c.Mirror.Bucket == "" || c.Mirror.MinIO.Endpoint == "" {
			return fmt.Errorf("mirror.bucket and mirror.minio.endpoint must be set when mirror.kind is minio")
		}
	case "local":
		if c.Mirror.Local.BaseDir == "" {
			return fmt.Errorf("mirror.local.base_dir must be set when mirror.kind is local")
		}
	}
	return nil
}
