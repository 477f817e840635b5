// Package store provides SQLite-backed durable storage for the
// compensation ledger.
//
// The store keeps one row per operation plus append-only tables for:
//   - records: side effects written ahead of submission
//   - outcomes: observations about submitted transactions
//   - resolutions: rollback results, at most one per record
//   - checkpoints and status_log: operation history
//
// All ordering uses the seq column (logical clock), never timestamps, and
// every query breaks ties on a binary-collated key so results are
// identical across runs.
//
// Databases run in WAL mode with foreign keys enforced and a five second
// busy timeout. Schema changes after the first release are numbered
// migrations tracked in PRAGMA user_version.
//
// Record ids are content-derived by internal/ir, which makes record
// insertion idempotent.
package store
