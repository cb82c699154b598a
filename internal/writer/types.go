package writer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventType is the envelope type journaled by StatusWriter.
const EventType = "application_status"

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
	}
}

// DB is the part of *pgxpool.Pool the writer uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// statusRow represents a row in application_status_events.
type statusRow struct {
	EventID       uuid.UUID
	ApplicationID string
	JobID         string // Empty when the server omits it
	Status        string
	ReceivedAt    time.Time
	Payload       []byte // Full envelope as received
}

// statusPayload is the wire shape of an application_status envelope.
type statusPayload struct {
	EventID       string `json:"event_id"`
	ApplicationID string `json:"application_id"`
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Skipped   int64 // Envelopes missing required fields
}
