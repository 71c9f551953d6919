package repo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newFormToken returns an unguessable public token for a form webhook URL.
func newFormToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateFormWebhook issues a new active form token for the organization.
func (r *PostgresRepository) CreateFormWebhook(ctx context.Context, organizationID string) (*FormWebhook, error) {
	token, err := newFormToken()
	if err != nil {
		return nil, err
	}
	const q = `INSERT INTO form_webhooks (token, organization_id, is_active) VALUES ($1, $2, TRUE)`
	if _, err := r.pool.Exec(ctx, q, token, organizationID); err != nil {
		return nil, fmt.Errorf("create form webhook: %w", err)
	}
	return &FormWebhook{Token: token, OrganizationID: organizationID, IsActive: true}, nil
}

// SetFormWebhookActive enables or disables a form token.
func (r *PostgresRepository) SetFormWebhookActive(ctx context.Context, token string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE form_webhooks SET is_active = $2 WHERE token = $1`, token, active)
	if err != nil {
		return fmt.Errorf("set form webhook active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set form webhook active: %w", ErrNotFound)
	}
	return nil
}

// CreateInstance registers a bridge instance awaiting its first QR scan.
func (r *PostgresRepository) CreateInstance(ctx context.Context, organizationID, instanceName string) (*Instance, error) {
	inst := Instance{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		InstanceName:   instanceName,
		Status:         InstanceWaitingQR,
		UpdatedAt:      time.Now().UTC(),
	}
	const q = `
INSERT INTO whatsapp_instances (id, organization_id, instance_name, status, updated_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, inst.ID, inst.OrganizationID, inst.InstanceName, string(inst.Status), inst.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return &inst, nil
}

// SaveFacebookIntegration binds a page to an organization, replacing any previous token.
func (r *PostgresRepository) SaveFacebookIntegration(ctx context.Context, fi FacebookIntegration) error {
	const q = `
INSERT INTO facebook_integrations (page_id, organization_id, page_access_token)
VALUES ($1, $2, $3)
ON CONFLICT (page_id) DO UPDATE SET
    organization_id = EXCLUDED.organization_id,
    page_access_token = EXCLUDED.page_access_token`
	if _, err := r.pool.Exec(ctx, q, fi.PageID, fi.OrganizationID, fi.PageAccessToken); err != nil {
		return fmt.Errorf("save facebook integration: %w", err)
	}
	return nil
}

// SetSetting writes a system_settings value.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO system_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := r.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// -- SQLite --

func (r *SQLiteRepository) CreateFormWebhook(ctx context.Context, organizationID string) (*FormWebhook, error) {
	token, err := newFormToken()
	if err != nil {
		return nil, err
	}
	const q = `INSERT INTO form_webhooks (token, organization_id, is_active) VALUES (?, ?, 1)`
	if _, err := r.db.ExecContext(ctx, q, token, organizationID); err != nil {
		return nil, fmt.Errorf("create form webhook: %w", err)
	}
	return &FormWebhook{Token: token, OrganizationID: organizationID, IsActive: true}, nil
}

func (r *SQLiteRepository) SetFormWebhookActive(ctx context.Context, token string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE form_webhooks SET is_active = ? WHERE token = ?`, active, token)
	if err != nil {
		return fmt.Errorf("set form webhook active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set form webhook active: %w", ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) CreateInstance(ctx context.Context, organizationID, instanceName string) (*Instance, error) {
	inst := Instance{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		InstanceName:   instanceName,
		Status:         InstanceWaitingQR,
		UpdatedAt:      time.Now().UTC(),
	}
	const q = `
INSERT INTO whatsapp_instances (id, organization_id, instance_name, status, updated_at)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, inst.ID, inst.OrganizationID, inst.InstanceName, string(inst.Status), inst.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return &inst, nil
}

func (r *SQLiteRepository) SaveFacebookIntegration(ctx context.Context, fi FacebookIntegration) error {
	const q = `
INSERT INTO facebook_integrations (page_id, organization_id, page_access_token)
VALUES (?, ?, ?)
ON CONFLICT (page_id) DO UPDATE SET
    organization_id = excluded.organization_id,
    page_access_token = excluded.page_access_token`
	if _, err := r.db.ExecContext(ctx, q, fi.PageID, fi.OrganizationID, fi.PageAccessToken); err != nil {
		return fmt.Errorf("save facebook integration: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SetSetting(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO system_settings (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
