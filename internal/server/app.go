// Package server builds the analyzer's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/admission"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/api"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/artifact"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/clock/system"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/config"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/geometry"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/id/uuid"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/pipeline"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/publisher"
	gcppublisher "github.com/JakeFAU/zonal-climate-analyzer/internal/publisher/pubsub"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/raster"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/raster/dwd"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/render"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/scan"
	gcsstorage "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/local"
	memorystorage "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/memory"
	miniostorage "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/minio"
	pgstore "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/postgres"
	redisstore "github.com/JakeFAU/zonal-climate-analyzer/internal/storage/redis"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/telemetry"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/zonal"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	pipeline  *pipeline.Service
	admission *admission.Controller
	archive   *raster.Manager
	runs      *artifact.Manager
	coverage  *geometry.Coverage
	scanner   *scan.ClamScanner

	leases  climate.LeaseStore
	counter climate.WindowCounter
	index   climate.RunIndex
	ready   map[string]api.Checker

	pgStore        *pgstore.Store
	redisStore     *redisstore.Store
	gcsClient      *storage.Client
	pubsub         *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

var (
	_ pipeline.Reducer   = (*zonal.Engine)(nil)
	_ pipeline.Archive   = (*raster.Manager)(nil)
	_ pipeline.Sanitizer = (*geometry.Sanitizer)(nil)
	_ pipeline.Admitter  = (*admission.Controller)(nil)
	_ pipeline.Runs      = (*artifact.Manager)(nil)
	_ api.Submitter      = (*pipeline.Service)(nil)
)

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, ready: map[string]api.Checker{}}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("admission_store", cfg.Admission.Store),
		zap.String("render_mode", cfg.Render.Mode),
		zap.String("mirror", cfg.Mirror.Kind),
	)

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Options{ServiceName: cfg.Telemetry.ServiceName})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}
	mirror, err := app.setupMirror(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	renderer, err := app.setupRenderer()
	if err != nil {
		return nil, err
	}
	sanitizer, err := app.setupSanitizer()
	if err != nil {
		return nil, err
	}
	if err := app.setupArchive(); err != nil {
		return nil, err
	}
	if err := app.setupAdmission(); err != nil {
		return nil, err
	}

	app.runs, err = artifact.New(artifact.Options{
		Dir:       cfg.Runs.Dir,
		Retention: cfg.Runs.Retention,
		BaseURL:   cfg.Runs.BaseURL,
		Renderer:  renderer,
		Mirror:    mirror,
		Index:     app.index,
		Hasher:    sha256.New(),
		IDs:       uuid.NewCompact(),
		Clock:     system.New(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact manager init failed: %w", err)
	}

	app.pipeline, err = pipeline.New(pipeline.Options{
		Sanitizer:  sanitizer,
		Admitter:   app.admission,
		Archive:    app.archive,
		Reducer:    zonal.New(zonal.Options{Workers: cfg.Raster.Workers, Logger: logger}),
		Runs:       app.runs,
		Notifier:   notifier,
		JobTimeout: cfg.Server.JobTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	var lister api.RunLister
	if l, isLister := app.index.(api.RunLister); isLister {
		lister = l
	}
	app.ready["scanner"] = func(context.Context) error {
		if !app.scanner.Available() {
			return errors.New("scanner binary not found")
		}
		return nil
	}
	app.apiServer = api.NewServer(api.Options{
		Submitter:         app.pipeline,
		Runs:              app.runs,
		Index:             lister,
		Coverage:          app.coverage,
		Ready:             app.ready,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxUploadBytes:    cfg.Limits.MaxUploadBytes(),
		RequestTimeout:    cfg.Server.RequestTimeout,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		Logger:            logger,
	})

	ok = true
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run serves HTTP, sweeps expired runs and purges stale leases until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.runs.RunSweeper(ctx, a.cfg.Runs.SweepInterval)
	go a.purgeLeases(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) purgeLeases(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Runs.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := a.admission.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("lease purge failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// setupStores picks the lease table, rate counters and run index. The run
// index lives in Postgres whenever a DSN is configured.
func (a *App) setupStores(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DB.DSN != "" {
		store, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = store
		if cfg.DB.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		a.index = store
		a.ready["postgres"] = store.Ping
		a.logger.Info("postgres store initialized")
	} else {
		a.index = memorystorage.NewRunIndex()
	}

	switch cfg.Admission.Store {
	case "postgres":
		a.leases, a.counter = a.pgStore, a.pgStore
	case "redis":
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis store init failed: %w", err)
		}
		a.redisStore = store
		a.leases, a.counter = store, store
		a.ready["redis"] = store.Ping
		a.logger.Info("redis store initialized", zap.String("addr", cfg.Redis.Addr))
	default:
		a.logger.Info("using in-memory lease store; leases are not shared between instances")
		a.leases, a.counter = memorystorage.NewLeaseStore(), memorystorage.NewCounter(system.New())
	}
	return nil
}

func (a *App) setupMirror(ctx context.Context) (climate.BlobStore, error) {
	cfg := a.cfg.Mirror
	switch cfg.Kind {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.logger.Info("mirroring bundles to GCS", zap.String("bucket", cfg.Bucket))
		return store, nil
	case "minio":
		store, err := miniostorage.New(miniostorage.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Region:    cfg.MinIO.Region,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("minio mirror init failed: %w", err)
		}
		if err := store.EnsureBucket(ctx, cfg.MinIO.Region); err != nil {
			return nil, fmt.Errorf("minio bucket check failed: %w", err)
		}
		a.logger.Info("mirroring bundles to MinIO", zap.String("endpoint", cfg.MinIO.Endpoint), zap.String("bucket", cfg.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		a.logger.Info("mirroring bundles to local directory", zap.String("path", cfg.Local.BaseDir))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (*publisher.Notifier, error) {
	cfg := a.cfg.PubSub
	if cfg.ProjectID == "" || cfg.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, run notifications disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Dial(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
	return publisher.NewNotifier(pub, cfg.Topic, a.logger), nil
}

func (a *App) setupRenderer() (climate.Renderer, error) {
	cfg := a.cfg.Render
	if cfg.Mode == "command" {
		r, err := render.NewCommand(render.CommandConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Timeout: cfg.Timeout,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("render command init failed: %w", err)
		}
		return r, nil
	}
	return render.NewBuiltin(a.logger), nil
}

func (a *App) setupSanitizer() (*geometry.Sanitizer, error) {
	cfg := a.cfg
	extent := orb.Bound{
		Min: orb.Point{cfg.Coverage.Extent[0], cfg.Coverage.Extent[1]},
		Max: orb.Point{cfg.Coverage.Extent[2], cfg.Coverage.Extent[3]},
	}
	var boundary orb.MultiPolygon
	if cfg.Coverage.BoundaryPath != "" {
		var err error
		boundary, err = geometry.LoadBoundary(cfg.Coverage.BoundaryPath)
		if err != nil {
			return nil, fmt.Errorf("load coverage boundary: %w", err)
		}
	}
	a.coverage = geometry.NewCoverage(extent, boundary)

	a.scanner = scan.New(scan.Options{Binary: cfg.Scan.Binary, Timeout: cfg.Scan.Timeout, Logger: a.logger})
	if !a.scanner.Available() {
		a.logger.Warn("malware scanner not found; uploads will be rejected until it is installed",
			zap.String("binary", cfg.Scan.Binary))
	}
	s, err := geometry.NewSanitizer(geometry.Options{
		Limits: geometry.Limits{
			MaxUploadBytes:     cfg.Limits.MaxUploadBytes(),
			MaxZipFiles:        cfg.Limits.MaxZipFiles,
			MaxZipUncompressed: cfg.Limits.MaxZipUncompressedBytes(),
			MaxFeatures:        cfg.Limits.MaxFeatures,
			MaxVertices:        cfg.Limits.MaxVertices,
		},
		Scanner:  a.scanner,
		Coverage: a.coverage,
		WorkDir:  cfg.Server.WorkDir,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("sanitizer init failed: %w", err)
	}
	return s, nil
}

func (a *App) setupArchive() error {
	cfg := a.cfg.Raster
	var limiter dwd.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RequestsPerSecond, DefaultBurst: 1})
	}
	source, err := dwd.New(dwd.Config{
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout,
		Limiter:   limiter,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("dwd source init failed: %w", err)
	}
	clock := system.New()
	a.archive, err = raster.NewManager(raster.Options{
		CacheDir:        cfg.CacheDir,
		Source:          source,
		FirstYear:       cfg.FirstYear,
		LastYear:        cfg.LastYear,
		Workers:         cfg.Workers,
		MaxMissingRatio: cfg.MaxMissingRatio,
		RefreshAfter:    cfg.RefreshAfter,
		Retry: raster.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Clock:   clock,
		Sleeper: clock,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("raster archive init failed: %w", err)
	}
	return nil
}

func (a *App) setupAdmission() error {
	cfg := a.cfg.Admission
	clock := system.New()
	var limiter admission.RateLimiter
	switch {
	case cfg.RateLimitPerMin <= 0:
		a.logger.Info("submission rate limiting disabled")
	case cfg.Limiter == "token":
		limiter = admission.NewTokenLimiter(cfg.RateLimitPerMin)
	default:
		limiter = admission.NewWindowLimiter(a.counter, cfg.RateLimitPerMin, clock)
	}
	var err error
	a.admission, err = admission.New(admission.Options{
		Limiter:      limiter,
		Leases:       a.leases,
		Hasher:       sha256.New(),
		IDs:          uuid.New(),
		Clock:        clock,
		LockTTL:      cfg.LockTTL,
		MinFreeBytes: cfg.MinFreeDiskBytes(),
		DiskPaths:    []string{a.cfg.Runs.Dir, a.cfg.Raster.CacheDir},
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("admission init failed: %w", err)
	}
	return nil
}

// Submit runs one analysis outside the HTTP surface.
func (a *App) Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.Result, error) {
	return a.pipeline.Submit(ctx, req)
}

// SweepRuns removes expired run directories once.
func (a *App) SweepRuns(ctx context.Context) (int, error) {
	return a.runs.Sweep(ctx)
}

// WarmCache downloads every grid the archive is missing.
func (a *App) WarmCache(ctx context.Context) (climate.Archive, error) {
	return a.archive.Ensure(ctx)
}

// CoverageGeoJSON returns the coverage extent as WGS84 GeoJSON.
func (a *App) CoverageGeoJSON() *geojson.FeatureCollection {
	return a.coverage.FeatureCollection()
}
