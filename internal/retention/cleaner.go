// Package retention prunes old webhook audit rows.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"leadhub/internal/metrics"
)

// Defaults applied when the caller passes zero values.
const (
	DefaultMaxAge   = 72 * time.Hour
	DefaultInterval = time.Hour
)

// Purger deletes audit rows created before a cutoff.
type Purger interface {
	PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner removes webhook log rows older than MaxAge.
type Cleaner struct {
	store    Purger
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewCleaner returns a cleaner for store.
func NewCleaner(store Purger, maxAge, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Cleaner {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Cleaner{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With("component", "retention"),
		metrics:  m,
		now:      time.Now,
	}
}

// RunOnce purges every log table and returns the number of rows removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.maxAge).UTC()
	n, err := c.store.PurgeWebhookLogs(ctx, cutoff)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("retention").Inc()
		}
		return 0, err
	}
	if c.metrics != nil {
		c.metrics.LogRowsPurged.Add(float64(n))
	}
	c.logger.Info("webhook logs purged", "rows", humanize.Comma(n), "older_than", humanize.Time(cutoff))
	return n, nil
}

// Run purges immediately and then every interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("purge webhook logs failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
