// Package pipeline runs a submission through sanitization, admission, raster
// acquisition, zonal reduction and run publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/admission"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/artifact"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/logging"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/metrics"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/publisher"
	"github.com/JakeFAU/zonal-climate-analyzer/internal/telemetry"
)

const releaseTimeout = 30 * time.Second

// Sanitizer validates an upload.
type Sanitizer interface {
	Sanitize(ctx context.Context, sub climate.Submission) (climate.NormalizedArea, error)
}

// Admitter rate limits callers and grants exclusive tickets per area.
type Admitter interface {
	CheckRate(ctx context.Context, caller string) error
	Admit(ctx context.Context, caller string, area climate.NormalizedArea) (*admission.Ticket, error)
}

// Archive makes the raster grids available locally.
type Archive interface {
	Ensure(ctx context.Context) (climate.Archive, error)
}

// Reducer computes zonal statistics.
type Reducer interface {
	Compute(ctx context.Context, area climate.NormalizedArea, archive climate.Archive) ([]climate.ZonalRecord, error)
}

// Runs persists finished jobs.
type Runs interface {
	Publish(ctx context.Context, req artifact.PublishRequest) (climate.Run, error)
}

// Options wires the service.
type Options struct {
	Sanitizer Sanitizer
	Admitter  Admitter
	Archive   Archive
	Reducer   Reducer
	Runs      Runs
	// Notifier may be nil.
	Notifier *publisher.Notifier
	// JobTimeout bounds one submission after admission. Zero means no limit.
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// SubmitRequest is one analysis request.
type SubmitRequest struct {
	Submission climate.Submission
	Caller     string
	Lang       string
	// RateChecked is set when the caller already passed CheckRate for this
	// request, as the HTTP layer does before reading the body.
	RateChecked bool
}

// Result is returned to the caller of a successful submission.
type Result struct {
	RunID     string               `json:"runId"`
	Message   string               `json:"message"`
	Outputs   []climate.Artifact   `json:"outputs"`
	BundleURL string               `json:"zipUrl"`
	Gaps      []climate.ArchiveKey `json:"gaps,omitempty"`
}

// Service is the job submission entry point.
type Service struct {
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger
}

// New validates opts.
func New(opts Options) (*Service, error) {
	if opts.Sanitizer == nil || opts.Admitter == nil || opts.Archive == nil || opts.Reducer == nil || opts.Runs == nil {
		return nil, errors.New("pipeline: sanitizer, admitter, archive, reducer and runs are required")
	}
	return &Service{
		opts:   opts,
		tracer: telemetry.Tracer(),
		logger: logging.OrNop(opts.Logger).Named("pipeline"),
	}, nil
}

// CompletedMessage is the localized success message.
func CompletedMessage(lang climate.Lang) string {
	if lang == climate.LangEN {
		return "Analysis completed."
	}
	return "Analyse abgeschlossen."
}

// CheckRate counts a request against the caller's rate limit without doing
// any other work.
func (s *Service) CheckRate(ctx context.Context, caller string) error {
	if err := s.opts.Admitter.CheckRate(ctx, caller); err != nil {
		metrics.ObserveSubmission(string(climate.KindOf(err)))
		return err
	}
	return nil
}

// Submit runs one job end to end. Unless req.RateChecked is set the rate
// limit is applied first, before the submission is sanitized. The lease
// taken at admission is released on every path.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (res Result, err error) {
	lang := climate.ParseLang(req.Lang)
	ctx, span := s.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("caller", req.Caller),
		attribute.String("lang", string(lang)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(climate.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.ObserveSubmission(outcome)
		span.End()
	}()

	if !req.RateChecked {
		if err := s.stage(ctx, "rate", func(ctx context.Context) error {
			return s.opts.Admitter.CheckRate(ctx, req.Caller)
		}); err != nil {
			return Result{}, err
		}
	}

	var area climate.NormalizedArea
	if err := s.stage(ctx, "sanitize", func(ctx context.Context) error {
		var serr error
		area, serr = s.opts.Sanitizer.Sanitize(ctx, req.Submission)
		return serr
	}); err != nil {
		return Result{}, err
	}

	var ticket *admission.Ticket
	if err := s.stage(ctx, "admit", func(ctx context.Context) error {
		var aerr error
		ticket, aerr = s.opts.Admitter.Admit(ctx, req.Caller, area)
		return aerr
	}); err != nil {
		return Result{}, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = ticket.Release(rctx)
	}()

	logger := s.logger.With(zap.String("fingerprint", string(ticket.Fingerprint())), zap.String("caller", req.Caller))
	span.SetAttributes(attribute.String("fingerprint", string(ticket.Fingerprint())))

	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	var archive climate.Archive
	if err := s.stage(ctx, "archive", func(ctx context.Context) error {
		var eerr error
		archive, eerr = s.opts.Archive.Ensure(ctx)
		return eerr
	}); err != nil {
		logger.Warn("raster archive unavailable", zap.Error(err))
		return Result{}, err
	}

	var records []climate.ZonalRecord
	if err := s.stage(ctx, "zonal", func(ctx context.Context) error {
		var zerr error
		records, zerr = s.opts.Reducer.Compute(ctx, area, archive)
		return zerr
	}); err != nil {
		logger.Warn("zonal statistics failed", zap.Error(err))
		return Result{}, err
	}

	var run climate.Run
	if err := s.stage(ctx, "publish", func(ctx context.Context) error {
		var perr error
		run, perr = s.opts.Runs.Publish(ctx, artifact.PublishRequest{
			Fingerprint: ticket.Fingerprint(),
			Lang:        lang,
			Area:        area,
			Records:     records,
			Archive:     archive,
		})
		return perr
	}); err != nil {
		logger.Error("run publication failed", zap.Error(err))
		return Result{}, err
	}

	s.opts.Notifier.RunCompleted(ctx, run)
	logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("records", len(records)),
		zap.Int("gaps", len(archive.Gaps)),
	)
	return Result{
		RunID:     run.ID,
		Message:   CompletedMessage(lang),
		Outputs:   run.Outputs,
		BundleURL: run.BundleURL,
		Gaps:      run.Gaps,
	}, nil
}

func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	started := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(climate.KindOf(err)))
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
