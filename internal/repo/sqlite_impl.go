package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Queue --

func (r *SQLiteRepository) EnqueueWebhook(ctx context.Context, item QueueItem) (*QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO webhook_queue (id, webhook_type, payload, status, attempts, max_attempts, created_at)
VALUES (?, ?, ?, 'pending', 0, ?, ?)
RETURNING ` + queueColumns

	row := r.db.QueryRowContext(ctx, q, item.ID, item.WebhookType, string(item.Payload), item.MaxAttempts, item.CreatedAt.UTC())
	out, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue webhook: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListPendingWebhooks(ctx context.Context, limit int) ([]QueueItem, error) {
	q := `SELECT ` + queueColumns + `
FROM webhook_queue
WHERE status = 'pending' AND attempts < max_attempts
ORDER BY created_at ASC
LIMIT ?`

	rows, err := r.db.QueryContext(ctx, q, limit)
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

func (r *SQLiteRepository) ClaimWebhook(ctx context.Context, id string, at time.Time) (int, bool, error) {
	const q = `
UPDATE webhook_queue
SET status = 'processing', attempts = attempts + 1, claimed_at = ?
WHERE id = ? AND status = 'pending'
RETURNING attempts`

	var attempts int
	err := r.db.QueryRowContext(ctx, q, at.UTC(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim webhook: %w", err)
	}
	return attempts, true, nil
}

func (r *SQLiteRepository) CompleteWebhook(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE webhook_queue SET status = 'completed', processed_at = ?, error_message = NULL WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, q, at.UTC(), id); err != nil {
		return fmt.Errorf("complete webhook: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ReleaseWebhook(ctx context.Context, id, errMsg string) error {
	const q = `UPDATE webhook_queue SET status = 'pending', error_message = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, q, errMsg, id); err != nil {
		return fmt.Errorf("release webhook: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RequeueStaleWebhooks(ctx context.Context, before time.Time) (int64, error) {
	const q = `
UPDATE webhook_queue
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    error_message = ?
WHERE status = 'processing' AND claimed_at < ?`
	res, err := r.db.ExecContext(ctx, q, StaleClaimMessage, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale webhooks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *SQLiteRepository) FailWebhook(ctx context.Context, id, errMsg string) error {
	const q = `UPDATE webhook_queue SET status = 'failed', error_message = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, q, errMsg, id); err != nil {
		return fmt.Errorf("fail webhook: %w", err)
	}
	return nil
}

// -- Leads, messages, instances --

func (r *SQLiteRepository) GetFormWebhook(ctx context.Context, token string) (*FormWebhook, error) {
	const q = `SELECT token, organization_id, is_active FROM form_webhooks WHERE token = ?`
	var fw FormWebhook
	if err := r.db.QueryRowContext(ctx, q, token).Scan(&fw.Token, &fw.OrganizationID, &fw.IsActive); err != nil {
		return nil, fmt.Errorf("get form webhook: %w", sqlNotFound(err))
	}
	return &fw, nil
}

func (r *SQLiteRepository) GetFacebookIntegrationByPage(ctx context.Context, pageID string) (*FacebookIntegration, error) {
	const q = `SELECT organization_id, page_id, page_access_token FROM facebook_integrations WHERE page_id = ?`
	var fi FacebookIntegration
	if err := r.db.QueryRowContext(ctx, q, pageID).Scan(&fi.OrganizationID, &fi.PageID, &fi.PageAccessToken); err != nil {
		return nil, fmt.Errorf("get facebook integration: %w", sqlNotFound(err))
	}
	return &fi, nil
}

func (r *SQLiteRepository) InsertLead(ctx context.Context, lead Lead) (*Lead, error) {
	out, err := insertLeadSQLite(ctx, r.db, lead)
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) UpsertLeadByPhone(ctx context.Context, lead Lead) (*Lead, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("upsert lead by phone: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := `SELECT ` + leadColumns + ` FROM leads
WHERE organization_id = ? AND telefone_lead = ?
ORDER BY created_at ASC
LIMIT 1`
	existing, err := scanLead(tx.QueryRowContext(ctx, q, lead.OrganizationID, lead.Phone))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("upsert lead by phone: %w", err)
	}

	var (
		out     *Lead
		created bool
	)
	if existing == nil {
		out, err = insertLeadSQLite(ctx, tx, lead)
		created = true
	} else {
		const upd = `
UPDATE leads SET
    name = CASE WHEN name = '' THEN ? ELSE name END,
    avatar_url = COALESCE(?, avatar_url),
    updated_at = ?
WHERE id = ?
RETURNING ` + leadColumns
		out, err = scanLead(tx.QueryRowContext(ctx, upd, lead.Name, lead.AvatarURL, time.Now().UTC(), existing.ID))
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert lead by phone: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("upsert lead by phone: %w", err)
	}
	return out, created, nil
}

func (r *SQLiteRepository) GetLeadByID(ctx context.Context, id string) (*Lead, error) {
	lead, err := scanLead(r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", sqlNotFound(err))
	}
	return lead, nil
}

func (r *SQLiteRepository) GetLeadByExternalID(ctx context.Context, organizationID, externalID string) (*Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE organization_id = ? AND external_id = ?`
	lead, err := scanLead(r.db.QueryRowContext(ctx, q, organizationID, externalID))
	if err != nil {
		return nil, fmt.Errorf("get lead by external id: %w", sqlNotFound(err))
	}
	return lead, nil
}

func (r *SQLiteRepository) InsertMessage(ctx context.Context, msg Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO messages (id, organization_id, lead_id, instance_name, external_id, direction, body, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, q, msg.ID, msg.OrganizationID, msg.LeadID, msg.InstanceName, msg.ExternalID, msg.Direction, msg.Body, msg.Status, msg.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepository) UpdateMessageStatus(ctx context.Context, externalID, status string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE external_id = ?`, status, externalID)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SQLiteRepository) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	const q = `
SELECT id, organization_id, instance_name, status, phone_number, qr_code, connected_at, updated_at
FROM whatsapp_instances WHERE instance_name = ?`
	var inst Instance
	err := r.db.QueryRowContext(ctx, q, name).Scan(&inst.ID, &inst.OrganizationID, &inst.InstanceName, &inst.Status, &inst.PhoneNumber, &inst.QRCode, &inst.ConnectedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", sqlNotFound(err))
	}
	return &inst, nil
}

func (r *SQLiteRepository) UpdateInstance(ctx context.Context, inst Instance) error {
	var connectedAt any
	if inst.ConnectedAt != nil {
		connectedAt = inst.ConnectedAt.UTC()
	}
	const q = `
UPDATE whatsapp_instances
SET status = ?, phone_number = ?, qr_code = ?, connected_at = ?, updated_at = ?
WHERE instance_name = ?`
	res, err := r.db.ExecContext(ctx, q, string(inst.Status), inst.PhoneNumber, inst.QRCode, connectedAt, inst.UpdatedAt.UTC(), inst.InstanceName)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update instance: %w", ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) InsertWebhookLog(ctx context.Context, table LogTable, entry WebhookLog) error {
	if !table.valid() {
		return fmt.Errorf("insert webhook log: unknown table %q", table)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	q := fmt.Sprintf(`
INSERT INTO %s (id, organization_id, status, event, payload, error_message, lead_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err := r.db.ExecContext(ctx, q, uuid.NewString(), entry.OrganizationID, entry.Status, entry.Event, jsonParam(entry.Payload), entry.ErrorMessage, entry.LeadID, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

type sqlQueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertLeadSQLite(ctx context.Context, db sqlQueryRower, lead Lead) (*Lead, error) {
	lead = leadDefaults(lead)
	q := `
INSERT INTO leads (id, organization_id, name, telefone_lead, email, stage, source, responsible_user_id, external_id, avatar_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + leadColumns
	created := lead.CreatedAt.UTC()
	return scanLead(db.QueryRowContext(ctx, q,
		lead.ID,
		lead.OrganizationID,
		lead.Name,
		lead.Phone,
		lead.Email,
		lead.Stage,
		lead.Source,
		lead.ResponsibleUserID,
		lead.ExternalID,
		lead.AvatarURL,
		created,
		created,
	))
}

// -- Distribution --

func (r *SQLiteRepository) GetDistributionRule(ctx context.Context, organizationID string) (*DistributionRule, error) {
	rule := DistributionRule{OrganizationID: organizationID}
	err := r.db.QueryRowContext(ctx, `SELECT method, enabled FROM distribution_rules WHERE organization_id = ?`, organizationID).
		Scan(&rule.Method, &rule.Enabled)
	if err != nil {
		return nil, fmt.Errorf("get distribution rule: %w", sqlNotFound(err))
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, weight FROM distribution_members
WHERE organization_id = ?
ORDER BY user_id`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list distribution members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m DistributionMember
		if err := rows.Scan(&m.UserID, &m.Weight); err != nil {
			return nil, fmt.Errorf("scan distribution member: %w", err)
		}
		rule.Members = append(rule.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list distribution members: %w", err)
	}
	return &rule, nil
}

func (r *SQLiteRepository) LastDistribution(ctx context.Context, organizationID string) (*DistributionRecord, error) {
	const q = `
SELECT id, organization_id, lead_id, user_id, method, trigger_source, created_at
FROM lead_distribution_history
WHERE organization_id = ?
ORDER BY created_at DESC
LIMIT 1`
	var rec DistributionRecord
	err := r.db.QueryRowContext(ctx, q, organizationID).
		Scan(&rec.ID, &rec.OrganizationID, &rec.LeadID, &rec.UserID, &rec.Method, &rec.TriggerSource, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("last distribution: %w", sqlNotFound(err))
	}
	return &rec, nil
}

func (r *SQLiteRepository) DistributionCounts(ctx context.Context, organizationID string) (map[string]int, error) {
	const q = `
SELECT user_id, COUNT(*) FROM lead_distribution_history
WHERE organization_id = ?
GROUP BY user_id`
	counts, err := r.countByUser(ctx, q, organizationID)
	if err != nil {
		return nil, fmt.Errorf("distribution counts: %w", err)
	}
	return counts, nil
}

func (r *SQLiteRepository) OpenLeadCounts(ctx context.Context, organizationID string) (map[string]int, error) {
	const q = `
SELECT responsible_user_id, COUNT(*) FROM leads
WHERE organization_id = ? AND responsible_user_id IS NOT NULL AND stage NOT IN (?, ?)
GROUP BY responsible_user_id`
	counts, err := r.countByUser(ctx, q, organizationID, StageWon, StageLost)
	if err != nil {
		return nil, fmt.Errorf("open lead counts: %w", err)
	}
	return counts, nil
}

func (r *SQLiteRepository) countByUser(ctx context.Context, q string, args ...any) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			userID string
			n      int
		)
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, err
		}
		counts[userID] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) InsertDistribution(ctx context.Context, rec DistributionRecord) (*DistributionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO lead_distribution_history (id, organization_id, lead_id, user_id, method, trigger_source, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, rec.ID, rec.OrganizationID, rec.LeadID, rec.UserID, rec.Method, rec.TriggerSource, rec.CreatedAt.UTC()); err != nil {
		return nil, fmt.Errorf("insert distribution: %w", err)
	}
	return &rec, nil
}

func (r *SQLiteRepository) AssignLead(ctx context.Context, leadID, userID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE leads SET responsible_user_id = ?, updated_at = ? WHERE id = ?`, userID, time.Now().UTC(), leadID)
	if err != nil {
		return fmt.Errorf("assign lead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("assign lead: %w", ErrNotFound)
	}
	return nil
}

// -- Kanban --

func (r *SQLiteRepository) ListCardAssignments(ctx context.Context, userID string) ([]CardAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT card_id, user_id FROM kanban_card_assignees WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list card assignments: %w", err)
	}
	defer rows.Close()

	var out []CardAssignment
	for rows.Next() {
		var a CardAssignment
		if err := rows.Scan(&a.CardID, &a.UserID); err != nil {
			return nil, fmt.Errorf("scan card assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListCardDetails(ctx context.Context, cardIDs []string) ([]CardDetail, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	q := `
SELECT c.id, c.title, c.due_date, col.id, col.title, col.position, b.id, b.organization_id
FROM kanban_cards c
JOIN kanban_columns col ON col.id = c.column_id
JOIN kanban_boards b ON b.id = col.board_id
WHERE c.id IN (` + placeholders(len(cardIDs)) + `)`
	args := make([]any, len(cardIDs))
	for i, id := range cardIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list card details: %w", err)
	}
	defer rows.Close()

	var out []CardDetail
	for rows.Next() {
		var (
			d   CardDetail
			due sql.NullString
		)
		if err := rows.Scan(&d.CardID, &d.Title, &due, &d.ColumnID, &d.ColumnTitle, &d.ColumnPosition, &d.BoardID, &d.BoardOrganizationID); err != nil {
			return nil, fmt.Errorf("scan card detail: %w", err)
		}
		if due.Valid && due.String != "" {
			t, err := time.Parse(time.DateOnly, due.String)
			if err != nil {
				return nil, fmt.Errorf("parse due date %q: %w", due.String, err)
			}
			d.DueDate = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
