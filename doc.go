// Package meterline implements an ingestion pipeline for substation
// telemetry: it authenticates against the remote metering API, discovers
// instruments, fetches windowed voltage and current means, and lands them
// in Postgres as both raw payloads and canonical per-phase readings.
//
// # Architecture
//
// The pipeline moves data through three tiers:
//
//   - Raw tier: every fetched payload batch is appended verbatim to
//     raw_measurement, so normalization can be replayed after schema drift
//   - Canonical tier: voltage_mean_30m and current_mean_30m hold one row
//     per (instrument, timestamp, phase), written idempotently
//   - Secondary tier: an optional replica database that follows the
//     primary's schema additively
//
// # Packages
//
//   - auth: bearer token lifecycle with proactive refresh
//   - client: authenticated API calls, including the GET-with-body quirk
//   - normalize: schema-tolerant extraction of per-phase records
//   - store: primary Postgres schema and writes
//   - replicate: best-effort secondary sync
//   - pipeline: orchestration of discovery, ingestion, and sync
//   - cmd/meterline: the one-shot command-line driver
//
// Supporting packages (config, errors, metric, pkg/...) carry the ambient
// concerns: layered configuration, classified errors, Prometheus metrics,
// retry, TLS modes, timestamp parsing, and a bounded worker pool.
package meterline
