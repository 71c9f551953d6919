// Package queue drains the webhook_queue table with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"leadhub/internal/apperr"
	"leadhub/internal/metrics"
	"leadhub/internal/repo"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultBatchSize    = 10
	DefaultMaxAttempts  = 3
	DefaultClaimTimeout = 10 * time.Minute
)

// Config tunes the processor. ClaimTimeout is how long a row may sit in
// processing before a later batch hands it back to pending.
type Config struct {
	BatchSize    int
	MaxAttempts  int
	ClaimTimeout time.Duration
}

// Result is the outcome of one claimed row.
type Result struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Summary reports one ProcessBatch run.
type Summary struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// Processor claims pending rows and dispatches them to the ingestion handlers.
type Processor struct {
	store    repo.QueueStore
	handlers Handlers
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// NewProcessor builds a processor. handlers may be set later with SetHandlers.
func NewProcessor(store repo.QueueStore, handlers Handlers, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	return &Processor{
		store:    store,
		handlers: handlers,
		logger:   logger.With("component", "queue"),
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetHandlers wires the ingestion service, which itself enqueues through the processor.
func (p *Processor) SetHandlers(h Handlers) {
	p.handlers = h
}

// Enqueue validates payload and stores it as a pending row.
func (p *Processor) Enqueue(ctx context.Context, webhookType string, payload any) (*repo.QueueItem, error) {
	const op = "enqueue webhook"

	raw, err := toRaw(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}
	if _, err := ParsePayload(ctx, webhookType, raw); err != nil {
		return nil, err
	}

	item, err := p.store.EnqueueWebhook(ctx, repo.QueueItem{
		WebhookType: webhookType,
		Payload:     raw,
		MaxAttempts: p.cfg.MaxAttempts,
		CreatedAt:   p.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	p.logger.Info("webhook enqueued", "id", item.ID, "type", webhookType)
	return item, nil
}

// ProcessBatch drains up to BatchSize pending rows, oldest first.
func (p *Processor) ProcessBatch(ctx context.Context) (*Summary, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.QueueBatchTime.Observe(time.Since(start).Seconds())
		}
	}()

	p.requeueStale(ctx)

	items, err := p.store.ListPendingWebhooks(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("process batch: %w", err)
	}

	summary := &Summary{Results: make([]Result, 0, len(items))}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res, claimed := p.processItem(ctx, item)
		if !claimed {
			continue
		}
		summary.Processed++
		summary.Results = append(summary.Results, res)
	}

	if summary.Processed > 0 {
		p.logger.Info("queue batch processed", "processed", summary.Processed, "took", time.Since(start).String())
	}
	return summary, nil
}

func (p *Processor) processItem(ctx context.Context, item repo.QueueItem) (Result, bool) {
	attempts, ok, err := p.store.ClaimWebhook(ctx, item.ID, p.now().UTC())
	if err != nil {
		p.logger.Error("claim webhook failed", "id", item.ID, "error", err)
		return Result{}, false
	}
	if !ok {
		p.logger.Debug("webhook claimed by another run", "id", item.ID)
		return Result{}, false
	}

	logger := p.logger.With("id", item.ID, "type", item.WebhookType, "attempt", attempts, "queued", humanize.Time(item.CreatedAt))
	res := Result{ID: item.ID, Type: item.WebhookType}

	payload, err := ParsePayload(ctx, item.WebhookType, item.Payload)
	if err != nil {
		logger.Warn("webhook payload rejected", "error", err)
		return p.fail(ctx, res, err), true
	}
	if p.handlers == nil {
		return p.retryOrFail(ctx, res, attempts, maxAttempts(item, p.cfg), apperr.New(apperr.KindConfig, "dispatch", "no handlers configured")), true
	}

	if err := payload.dispatch(ctx, p.handlers); err != nil {
		if !apperr.Retryable(err) {
			logger.Warn("webhook rejected by handler", "kind", apperr.KindOf(err), "error", err)
			return p.fail(ctx, res, err), true
		}
		logger.Warn("webhook handler failed", "error", err)
		return p.retryOrFail(ctx, res, attempts, maxAttempts(item, p.cfg), err), true
	}

	if err := p.store.CompleteWebhook(ctx, item.ID, p.now().UTC()); err != nil {
		logger.Error("complete webhook failed", "error", err)
		res.Status = repo.QueueProcessing
		res.Error = err.Error()
		return res, true
	}
	p.record(item.WebhookType, repo.QueueCompleted)
	res.Status = repo.QueueCompleted
	return res, true
}

// requeueStale recovers rows left in processing by a run that never recorded
// an outcome.
func (p *Processor) requeueStale(ctx context.Context) {
	n, err := p.store.RequeueStaleWebhooks(ctx, p.now().UTC().Add(-p.cfg.ClaimTimeout))
	if err != nil {
		p.logger.Error("requeue stale webhooks failed", "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("queue").Inc()
		}
		return
	}
	if n > 0 {
		p.logger.Warn("requeued stale webhook claims", "rows", n, "older_than", p.cfg.ClaimTimeout.String())
		p.record("stale", "requeued")
	}
}

func (p *Processor) retryOrFail(ctx context.Context, res Result, attempts, limit int, cause error) Result {
	if attempts >= limit {
		return p.fail(ctx, res, cause)
	}
	res.Status = repo.QueuePending
	res.Error = cause.Error()
	if err := p.store.ReleaseWebhook(ctx, res.ID, cause.Error()); err != nil {
		p.logger.Error("release webhook failed", "id", res.ID, "error", err)
	}
	p.record(res.Type, "retry")
	return res
}

func (p *Processor) fail(ctx context.Context, res Result, cause error) Result {
	res.Status = repo.QueueFailed
	res.Error = cause.Error()
	if err := p.store.FailWebhook(ctx, res.ID, cause.Error()); err != nil {
		p.logger.Error("fail webhook failed", "id", res.ID, "error", err)
	}
	p.record(res.Type, repo.QueueFailed)
	if p.metrics != nil {
		p.metrics.Errors.WithLabelValues("queue").Inc()
	}
	return res
}

func (p *Processor) record(webhookType, outcome string) {
	if p.metrics != nil {
		p.metrics.QueueItems.WithLabelValues(webhookType, outcome).Inc()
	}
}

func maxAttempts(item repo.QueueItem, cfg Config) int {
	if item.MaxAttempts > 0 {
		return item.MaxAttempts
	}
	return cfg.MaxAttempts
}

func toRaw(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
