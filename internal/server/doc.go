// Package server implements the HTTP surface of the buildpulse service.
//
// This package provides:
//   - GitHub webhook ingestion with HMAC signature verification
//   - JSON read API for metrics, queue forecasts, patterns and predictions
//   - Alert listing, acknowledgement and manual resolution endpoints
//   - Per-IP rate limiting and structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/store: SQLite persistence for builds, snapshots and alerts
//   - internal/engine: metric computation, forecasting and alert evaluation
//   - internal/config: YAML configuration and webhook secrets
//
// Security features:
//   - HMAC-SHA256 webhook signature verification
//   - Content-Type validation (application/json only)
//   - Payload size limits (1MB max)
//   - Rate limiting (global and per-webhook)
package server
