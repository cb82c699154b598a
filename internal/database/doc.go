// Package database manages the PostgreSQL pool that stores application
// status events.
//
// The schema is owned by this service and applied at startup with
// EnsureSchema. Inserts are idempotent on event_id, so replays after a
// reconnect never duplicate rows.
package database
