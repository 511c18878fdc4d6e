package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	indexTimeout    = 3 * time.Second
)

// listRuns handles GET /api/runs?limit=. It returns {"runs": [...]} newest
// first, 400 for an invalid limit, or 404 when no run index is configured.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Index == nil {
		s.writeFailure(w, r, climate.Errorf(climate.KindNotFound, "Run index is not configured."))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeFailure(w, r, climate.Errorf(climate.KindInvalidRequest, "%s", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), indexTimeout)
	defer cancel()
	runs, err := s.opts.Index.ListRuns(ctx, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeFailure(w, r, err)
		return
	}
	if runs == nil {
		runs = []climate.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /api/runs/{run_id} and returns the run manifest.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.opts.Runs.Get(chi.URLParam(r, "run_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// downloadRun handles GET /api/runs/{run_id}/download.
func (s *Server) downloadRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	p, err := s.opts.Runs.BundlePath(runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"_outputs.zip"))
	s.serveFile(w, r, p)
}

// getResult handles GET /runs/{run_id}/results/{name}.
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Runs.Open(chi.URLParam(r, "run_id"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.serveFile(w, r, p)
}

// serveFile streams p. A run evicted between lookup and open reads as gone.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p)
	if err != nil {
		s.writeFailure(w, r, climate.Errorf(climate.KindNotFound, "Run not found."))
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("stat %s: %w", path.Base(p), err))
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRunLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	return limit, nil
}
