package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queueColumns = `id, webhook_type, payload, status, attempts, max_attempts, created_at, processed_at, error_message`

// EnqueueWebhook stores a deferred webhook payload in pending state.
func (r *PostgresRepository) EnqueueWebhook(ctx context.Context, item QueueItem) (*QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO webhook_queue (id, webhook_type, payload, status, attempts, max_attempts, created_at)
VALUES ($1, $2, $3, 'pending', 0, $4, $5)
RETURNING ` + queueColumns

	row := r.pool.QueryRow(ctx, q, item.ID, item.WebhookType, string(item.Payload), item.MaxAttempts, item.CreatedAt)
	out, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue webhook: %w", err)
	}
	return out, nil
}

// ListPendingWebhooks returns the oldest pending rows first.
func (r *PostgresRepository) ListPendingWebhooks(ctx context.Context, limit int) ([]QueueItem, error) {
	q := `SELECT ` + queueColumns + `
FROM webhook_queue
WHERE status = 'pending' AND attempts < max_attempts
ORDER BY created_at ASC
LIMIT $1`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending webhooks: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClaimWebhook atomically moves a pending row to processing.
func (r *PostgresRepository) ClaimWebhook(ctx context.Context, id string, at time.Time) (int, bool, error) {
	const q = `
UPDATE webhook_queue
SET status = 'processing', attempts = attempts + 1, claimed_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING attempts`

	var attempts int
	err := r.pool.QueryRow(ctx, q, id, at.UTC()).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim webhook: %w", err)
	}
	return attempts, true, nil
}

// CompleteWebhook marks a row completed and clears its error.
func (r *PostgresRepository) CompleteWebhook(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE webhook_queue SET status = 'completed', processed_at = $2, error_message = NULL WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("complete webhook: %w", err)
	}
	return nil
}

// ReleaseWebhook puts a row back to pending after a retryable failure.
func (r *PostgresRepository) ReleaseWebhook(ctx context.Context, id, errMsg string) error {
	const q = `UPDATE webhook_queue SET status = 'pending', error_message = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("release webhook: %w", err)
	}
	return nil
}

// RequeueStaleWebhooks returns rows stuck in processing since before to pending,
// or to failed when their attempts are spent.
func (r *PostgresRepository) RequeueStaleWebhooks(ctx context.Context, before time.Time) (int64, error) {
	const q = `
UPDATE webhook_queue
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    error_message = $2
WHERE status = 'processing' AND claimed_at < $1`
	tag, err := r.pool.Exec(ctx, q, before.UTC(), StaleClaimMessage)
	if err != nil {
		return 0, fmt.Errorf("requeue stale webhooks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailWebhook marks a row permanently failed.
func (r *PostgresRepository) FailWebhook(ctx context.Context, id, errMsg string) error {
	const q = `UPDATE webhook_queue SET status = 'failed', error_message = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("fail webhook: %w", err)
	}
	return nil
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var payload []byte
	if err := row.Scan(&item.ID, &item.WebhookType, &payload, &item.Status, &item.Attempts, &item.MaxAttempts, &item.CreatedAt, &item.ProcessedAt, &item.ErrorMessage); err != nil {
		return nil, err
	}
	item.Payload = payload
	return &item, nil
}
