package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

// RecordRun upserts the run manifest.
func (s *Store) RecordRun(ctx context.Context, run climate.Run) error {
	manifest, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	const query = `
INSERT INTO zca_runs (run_id, created_at, fingerprint, lang, bundle_sha256, mirror_uri, manifest)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id) DO UPDATE
SET bundle_sha256 = EXCLUDED.bundle_sha256,
	mirror_uri = EXCLUDED.mirror_uri,
	manifest = EXCLUDED.manifest`
	if _, err := s.pool.Exec(ctx, query,
		run.ID, run.CreatedAt, string(run.Fingerprint), string(run.Lang), run.BundleSHA256, run.MirrorURI, manifest,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// DeleteRun removes the run row.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM zca_runs WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// ListRuns returns up to limit manifests, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]climate.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT manifest FROM zca_runs ORDER BY created_at DESC, run_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []climate.Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run climate.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode run manifest: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
