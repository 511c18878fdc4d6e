package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/pipeline"
)

// Submitter runs analysis jobs.
type Submitter interface {
	CheckRate(ctx context.Context, caller string) error
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.Result, error)
}

// RunStore resolves published runs and their files.
type RunStore interface {
	Get(runID string) (climate.Run, error)
	Open(runID, name string) (string, error)
	BundlePath(runID string) (string, error)
}

// RunLister lists recent runs, newest first.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]climate.Run, error)
}

// CoverageSource provides the coverage outline.
type CoverageSource interface {
	FeatureCollection() *geojson.FeatureCollection
}

// Checker reports whether a dependency is ready.
type Checker func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	Submitter Submitter
	Runs      RunStore
	// Index may be nil, which disables GET /api/runs.
	Index    RunLister
	Coverage CoverageSource
	Ready    map[string]Checker

	AllowedOrigins []string
	MaxUploadBytes int64
	// RequestTimeout bounds the analyze endpoints.
	RequestTimeout time.Duration
	// TrustForwardedFor takes the caller identity from X-Forwarded-For.
	TrustForwardedFor bool
	Logger            *zap.Logger
}

// Server wires HTTP handlers to the pipeline and run store.
type Server struct {
	router   chi.Router
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// DefaultAllowedOrigins are used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

const (
	defaultMaxUpload = 200 << 20
	// multipartMemory is held in memory before parts spill to disk.
	multipartMemory = 32 << 20
	// formOverhead covers multipart boundaries and the lang field.
	formOverhead = 1 << 20
)

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = DefaultAllowedOrigins
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Hour
	}
	s := &Server{
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.OrNop(opts.Logger).Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "Retry-After", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/analyze", s.analyze)
			r.Post("/analyze-geojson", s.analyzeGeoJSON)
		})
		r.Get("/coverage", s.coverage)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
			r.Get("/{run_id}/download", s.downloadRun)
		})
	})
	r.Get("/runs/{run_id}/results/{name}", s.getResult)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.opts.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// callerIdentity keys rate limiting. The first X-Forwarded-For hop is used
// only when the deployment sits behind a trusted proxy.
func (s *Server) callerIdentity(r *http.Request) string {
	if s.opts.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind climate.Kind) int {
	switch kind {
	case climate.KindUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case climate.KindRateLimited, climate.KindJobAlreadyRunning:
		return http.StatusTooManyRequests
	case climate.KindInsufficientDiskSpace:
		return http.StatusInsufficientStorage
	case climate.KindDownloadFailed, climate.KindDecodeFailed:
		return http.StatusBadGateway
	case climate.KindNotFound:
		return http.StatusNotFound
	}
	switch kind.Category() {
	case climate.CategoryInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// retryAfter is the hint, in seconds, sent with admission rejections.
func retryAfter(kind climate.Kind) int {
	switch kind {
	case climate.KindRateLimited:
		return 60
	case climate.KindJobAlreadyRunning:
		return 30
	case climate.KindInsufficientDiskSpace:
		return 300
	default:
		return 0
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    climate.Kind `json:"kind"`
	Message string       `json:"message"`
}

// writeFailure renders err with the public message of its kind.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := climate.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError && kind != climate.KindInsufficientDiskSpace {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	if secs := retryAfter(kind); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: climate.PublicMessage(err)}})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeFailure(w, r, errors.New("panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects callers over their limit before the request
// body is read.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Submitter.CheckRate(r.Context(), s.callerIdentity(r)); err != nil {
			s.writeFailure(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
