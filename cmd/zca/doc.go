// Package main hosts the zonal climate analyzer entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts uploads and inline GeoJSON, serves run metadata, result files and
//     bundles, and exposes /healthz, /readyz and /metrics.
//   - Pipeline: internal/pipeline runs sanitize, admit, ensure archive, reduce and publish for every submission
//     under a job deadline, releasing the area lease on every exit path.
//   - Archive: internal/raster keeps a local cache of the DWD annual grids, downloading missing years with a
//     bounded worker pool, retries with backoff and per-host pacing.
//   - Persistence: leases and rate windows live in memory, Postgres or Redis; run metadata is indexed in Postgres
//     when a DSN is set; bundles can be mirrored to a local directory, GCS or MinIO. A Pub/Sub event announces
//     every completed run when a topic is configured.
//   - Configuration & plumbing: Viper populates config from files and ZCA_ environment variables; zap provides
//     structured logging; Prometheus metrics and OpenTelemetry spans cover requests and pipeline stages.
//
// Quick checklist:
//   - Run locally: go run ./cmd/zca serve --config config.yaml
//   - One-off analysis: go run ./cmd/zca analyze area.geojson --lang en
//   - Prefetch grids: go run ./cmd/zca warm-cache
package main
