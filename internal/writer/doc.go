// Package writer journals realtime events to PostgreSQL.
//
// StatusWriter subscribes to application_status envelopes, batches them and
// inserts with pgx.Batch. Inserts are append-only and idempotent: each row is
// keyed by its event ID and conflicts are skipped.
package writer
