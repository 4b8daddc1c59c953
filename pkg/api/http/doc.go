// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Dataset listing and inspection
//   - Dataset cancellation
//   - Pipeline resource status
//   - Health checks
//   - Prometheus metrics
package http
