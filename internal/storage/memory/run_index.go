package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// RunIndex keeps published run manifests in memory.
type RunIndex struct {
	mu   sync.RWMutex
	runs map[string]climate.Run
}

// NewRunIndex constructs an empty RunIndex.
func NewRunIndex() *RunIndex {
	return &RunIndex{runs: make(map[string]climate.Run)}
}

// RecordRun stores or replaces run.
func (s *RunIndex) RecordRun(_ context.Context, run climate.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Outputs = append([]climate.Artifact(nil), run.Outputs...)
	s.runs[run.ID] = run
	return nil
}

// DeleteRun forgets runID.
func (s *RunIndex) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// ListRuns returns up to limit runs newest first. limit <= 0 returns all.
func (s *RunIndex) ListRuns(_ context.Context, limit int) ([]climate.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]climate.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
