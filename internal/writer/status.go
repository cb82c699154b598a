package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/hirestream/internal/metrics"
	"github.com/rickgao/hirestream/internal/router"
)

// Errors
var (
	ErrMissingApplicationID = errors.New("application_id is required")
	ErrMissingStatus        = errors.New("status is required")
)

// StatusWriter journals application_status events to Postgres.
type StatusWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Input from the Event Router
	input *router.Queue[router.Envelope]

	// Database
	db DB

	// Batching
	batch   []statusRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats WriterMetrics
}

// NewStatusWriter creates a StatusWriter. m may be nil.
func NewStatusWriter(cfg WriterConfig, db DB, logger *slog.Logger, m *metrics.Metrics) *StatusWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &StatusWriter{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "status_writer"),
		metrics: m,
		input:   router.NewQueue[router.Envelope](cfg.BatchSize),
		batch:   make([]statusRow, 0, cfg.BatchSize),
	}
}

// Handler is the router subscription for EventType.
func (w *StatusWriter) Handler() router.HandlerFunc {
	return router.Enqueue(w.input)
}

// Start begins consuming envelopes and writing to the database.
func (w *StatusWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("status writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains what is queued, flushes it with ctx and shuts down.
func (w *StatusWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping status writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("status writer stop timed out")
	}

	// Final flush
	for _, env := range w.input.Drain(0) {
		w.appendEnvelope(env)
	}
	if err := w.flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}

	w.logger.Info("status writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *StatusWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop moves envelopes from the queue into the batch.
func (w *StatusWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.input.Ready():
			for {
				items := w.input.Drain(w.cfg.BatchSize)
				if len(items) == 0 {
					break
				}
				for _, env := range items {
					w.handleEnvelope(env)
				}
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *StatusWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEnvelope adds an envelope to the batch and flushes when full.
func (w *StatusWriter) handleEnvelope(env router.Envelope) {
	if w.appendEnvelope(env) >= w.cfg.BatchSize {
		w.flush(w.ctx)
	}
}

// appendEnvelope returns the batch length after appending.
func (w *StatusWriter) appendEnvelope(env router.Envelope) int {
	row, err := transform(env)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	if err != nil {
		w.stats.Skipped++
		w.logger.Warn("skipping status event", "error", err)
		return len(w.batch)
	}
	w.batch = append(w.batch, row)
	return len(w.batch)
}

// transform converts an envelope to a statusRow. A valid event_id is used as
// the row key; otherwise the key is derived from the payload so a redelivered
// message collapses onto the same row.
func transform(env router.Envelope) (statusRow, error) {
	var p statusPayload
	if err := env.Decode(&p); err != nil {
		return statusRow{}, err
	}
	if p.ApplicationID == "" {
		return statusRow{}, ErrMissingApplicationID
	}
	if p.Status == "" {
		return statusRow{}, ErrMissingStatus
	}

	id, err := uuid.Parse(p.EventID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, env.Raw)
	}

	return statusRow{
		EventID:       id,
		ApplicationID: p.ApplicationID,
		JobID:         p.JobID,
		Status:        p.Status,
		ReceivedAt:    env.ReceivedAt,
		Payload:       env.Raw,
	}, nil
}

// flush writes the current batch to the database.
func (w *StatusWriter) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]statusRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	w.metrics.ObserveFlush(len(batch)-conflicts, err)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return err
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed status events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *StatusWriter) batchInsert(ctx context.Context, rows []statusRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO application_status_events (event_id, application_id, job_id, status, received_at, payload)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
		`, r.EventID, r.ApplicationID, r.JobID, r.Status, r.ReceivedAt, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
