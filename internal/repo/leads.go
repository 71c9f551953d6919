package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const leadColumns = `id, organization_id, name, telefone_lead, email, stage, source, responsible_user_id, external_id, avatar_url, created_at, updated_at`

// GetFormWebhook resolves a public form token.
func (r *PostgresRepository) GetFormWebhook(ctx context.Context, token string) (*FormWebhook, error) {
	const q = `SELECT token, organization_id, is_active FROM form_webhooks WHERE token = $1`
	var fw FormWebhook
	if err := r.pool.QueryRow(ctx, q, token).Scan(&fw.Token, &fw.OrganizationID, &fw.IsActive); err != nil {
		return nil, fmt.Errorf("get form webhook: %w", notFound(err))
	}
	return &fw, nil
}

// GetFacebookIntegrationByPage resolves the organization owning a page.
func (r *PostgresRepository) GetFacebookIntegrationByPage(ctx context.Context, pageID string) (*FacebookIntegration, error) {
	const q = `SELECT organization_id, page_id, page_access_token FROM facebook_integrations WHERE page_id = $1`
	var fi FacebookIntegration
	if err := r.pool.QueryRow(ctx, q, pageID).Scan(&fi.OrganizationID, &fi.PageID, &fi.PageAccessToken); err != nil {
		return nil, fmt.Errorf("get facebook integration: %w", notFound(err))
	}
	return &fi, nil
}

// InsertLead stores a new lead unconditionally.
func (r *PostgresRepository) InsertLead(ctx context.Context, lead Lead) (*Lead, error) {
	out, err := insertLeadPG(ctx, r.pool, lead)
	if err != nil {
		return nil, fmt.Errorf("insert lead: %w", err)
	}
	return out, nil
}

// UpsertLeadByPhone returns the organization's lead for the phone, creating it when absent.
// An existing lead keeps its data except for empty name and avatar fields.
func (r *PostgresRepository) UpsertLeadByPhone(ctx context.Context, lead Lead) (*Lead, bool, error) {
	var (
		out     *Lead
		created bool
	)
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		q := `SELECT ` + leadColumns + ` FROM leads
WHERE organization_id = $1 AND telefone_lead = $2
ORDER BY created_at ASC
LIMIT 1
FOR UPDATE`
		existing, err := scanLead(tx.QueryRow(ctx, q, lead.OrganizationID, lead.Phone))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if existing == nil {
			out, err = insertLeadPG(ctx, tx, lead)
			created = err == nil
			return err
		}

		const upd = `
UPDATE leads SET
    name = CASE WHEN name = '' THEN $2 ELSE name END,
    avatar_url = COALESCE($3, avatar_url),
    updated_at = $4
WHERE id = $1
RETURNING ` + leadColumns
		out, err = scanLead(tx.QueryRow(ctx, upd, existing.ID, lead.Name, lead.AvatarURL, time.Now().UTC()))
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert lead by phone: %w", err)
	}
	return out, created, nil
}

// GetLeadByID fetches a lead.
func (r *PostgresRepository) GetLeadByID(ctx context.Context, id string) (*Lead, error) {
	lead, err := scanLead(r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", notFound(err))
	}
	return lead, nil
}

// GetLeadByExternalID fetches a lead by its vendor-side identifier.
func (r *PostgresRepository) GetLeadByExternalID(ctx context.Context, organizationID, externalID string) (*Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE organization_id = $1 AND external_id = $2`
	lead, err := scanLead(r.pool.QueryRow(ctx, q, organizationID, externalID))
	if err != nil {
		return nil, fmt.Errorf("get lead by external id: %w", notFound(err))
	}
	return lead, nil
}

// InsertMessage stores a message once per external id. It reports whether a row was written.
func (r *PostgresRepository) InsertMessage(ctx context.Context, msg Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO messages (id, organization_id, lead_id, instance_name, external_id, direction, body, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (external_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, msg.ID, msg.OrganizationID, msg.LeadID, msg.InstanceName, msg.ExternalID, msg.Direction, msg.Body, msg.Status, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateMessageStatus sets the delivery state of a message. It reports whether the message exists.
func (r *PostgresRepository) UpdateMessageStatus(ctx context.Context, externalID, status string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE messages SET status = $2 WHERE external_id = $1`, externalID, status)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetInstanceByName fetches a WhatsApp line by its bridge instance name.
func (r *PostgresRepository) GetInstanceByName(ctx context.Context, name string) (*Instance, error) {
	const q = `
SELECT id, organization_id, instance_name, status, phone_number, qr_code, connected_at, updated_at
FROM whatsapp_instances WHERE instance_name = $1`
	var inst Instance
	err := r.pool.QueryRow(ctx, q, name).Scan(&inst.ID, &inst.OrganizationID, &inst.InstanceName, &inst.Status, &inst.PhoneNumber, &inst.QRCode, &inst.ConnectedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", notFound(err))
	}
	return &inst, nil
}

// UpdateInstance persists the mutable connection fields of an instance.
func (r *PostgresRepository) UpdateInstance(ctx context.Context, inst Instance) error {
	const q = `
UPDATE whatsapp_instances
SET status = $2, phone_number = $3, qr_code = $4, connected_at = $5, updated_at = $6
WHERE instance_name = $1`
	tag, err := r.pool.Exec(ctx, q, inst.InstanceName, string(inst.Status), inst.PhoneNumber, inst.QRCode, inst.ConnectedAt, inst.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update instance: %w", ErrNotFound)
	}
	return nil
}

// InsertWebhookLog appends an audit row to one of the log tables.
func (r *PostgresRepository) InsertWebhookLog(ctx context.Context, table LogTable, entry WebhookLog) error {
	if !table.valid() {
		return fmt.Errorf("insert webhook log: unknown table %q", table)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	q := fmt.Sprintf(`
INSERT INTO %s (id, organization_id, status, event, payload, error_message, lead_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, table)
	_, err := r.pool.Exec(ctx, q, uuid.NewString(), entry.OrganizationID, entry.Status, entry.Event, jsonParam(entry.Payload), entry.ErrorMessage, entry.LeadID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLeadPG(ctx context.Context, db queryRower, lead Lead) (*Lead, error) {
	lead = leadDefaults(lead)
	q := `
INSERT INTO leads (id, organization_id, name, telefone_lead, email, stage, source, responsible_user_id, external_id, avatar_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
RETURNING ` + leadColumns
	return scanLead(db.QueryRow(ctx, q,
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
		lead.CreatedAt,
	))
}

func scanLead(row rowScanner) (*Lead, error) {
	var l Lead
	if err := row.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Phone, &l.Email, &l.Stage, &l.Source, &l.ResponsibleUserID, &l.ExternalID, &l.AvatarURL, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func leadDefaults(lead Lead) Lead {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Stage == "" {
		lead.Stage = StageNew
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	return lead
}

func (t LogTable) valid() bool {
	switch t {
	case LogForm, LogWhatsApp, LogFacebook:
		return true
	}
	return false
}

// jsonParam returns nil for empty payloads so the column stays NULL.
func jsonParam(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
