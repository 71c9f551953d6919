package queue

import (
	"context"
	"log/slog"
	"time"
)

// Worker runs ProcessBatch on a fixed interval until its context ends.
type Worker struct {
	processor *Processor
	interval  time.Duration
	logger    *slog.Logger
}

// NewWorker returns a worker polling every interval.
func NewWorker(p *Processor, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		processor: p,
		interval:  interval,
		logger:    logger.With("component", "queue_worker"),
	}
}

// Run blocks, draining one batch immediately and then once per tick.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("queue worker started", "interval", w.interval.String())
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.processor.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("queue batch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopped")
			return
		case <-ticker.C:
		}
	}
}
