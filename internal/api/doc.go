// Package api hosts the HTTP server, middleware, and REST handlers of the
// analyzer. Notable routes:
//   - POST /api/analyze and /api/analyze-geojson submit an area.
//   - GET /api/coverage returns the raster coverage outline.
//   - GET /api/runs, /api/runs/{run_id} and /api/runs/{run_id}/download
//     expose published runs; /runs/{run_id}/results/{name} serves single files.
//   - GET /healthz / readyz for Kubernetes probes and /metrics for Prometheus.
package api
