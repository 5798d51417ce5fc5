package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aman-churiwal/edge-gateway/internal/models"
)

// LogStore persists request log rows.
type LogStore interface {
	CreateBatch(ctx context.Context, logs []*models.RequestLog) error
}

type RequestLogWriterConfig struct {
	BufferSize    int           // Default: 1000
	BatchSize     int           // Default: 100
	FlushInterval time.Duration // Default: 5 seconds
	Logger        *zap.Logger
}

// RequestLogWriter buffers events and inserts them in batches, when a
// batch fills up or on every flush interval.
type RequestLogWriter struct {
	store         LogStore
	queue         *queue[*models.RequestLog]
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewRequestLogWriter(store LogStore, cfg RequestLogWriterConfig) *RequestLogWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	w := &RequestLogWriter{
		store:         store,
		queue:         newQueue[*models.RequestLog](cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}

	// Start background worker to batch insert logs
	go w.run()

	return w
}

func (w *RequestLogWriter) Emit(e Event) {
	if !w.queue.push(toRequestLog(e)) {
		w.logger.Debug("request log buffer full, dropping entry", zap.String("request_id", e.RequestID))
	}
}

func (w *RequestLogWriter) run() {
	defer close(w.queue.done)

	batch := make([]*models.RequestLog, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case row, ok := <-w.queue.ch:
			if !ok {
				w.insertBatch(batch)
				return
			}
			batch = append(batch, row)

			// Insert when batch is full
			if len(batch) >= w.batchSize {
				w.insertBatch(batch)
				batch = make([]*models.RequestLog, 0, w.batchSize)
			}
		case <-ticker.C:
			// Periodically insert remaining logs
			if len(batch) > 0 {
				w.insertBatch(batch)
				batch = make([]*models.RequestLog, 0, w.batchSize)
			}
		}
	}
}

func (w *RequestLogWriter) insertBatch(batch []*models.RequestLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.CreateBatch(ctx, batch); err != nil {
		// Log error but dont block
		w.logger.Error("failed to insert request logs", zap.Int("rows", len(batch)), zap.Error(err))
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (w *RequestLogWriter) Dropped() uint64 {
	return w.queue.dropped.Load()
}

// Close flushes buffered rows and stops the worker.
func (w *RequestLogWriter) Close() error {
	w.queue.close()
	return nil
}

func toRequestLog(e Event) *models.RequestLog {
	return &models.RequestLog{
		Timestamp:      e.Time,
		RequestID:      e.RequestID,
		Identity:       e.Identity,
		Method:         e.Method,
		Path:           e.Path,
		StatusCode:     e.Status,
		ResponseTimeMs: int(e.Elapsed.Milliseconds()),
		Stage:          e.Stage,
		CacheStatus:    e.Cache,
		Error:          e.Error,
		IPAddress:      e.ClientIP,
		UserAgent:      e.UserAgent,
	}
}
