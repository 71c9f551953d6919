package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetDistributionRule loads an organization's rule with its members ordered by user id.
func (r *PostgresRepository) GetDistributionRule(ctx context.Context, organizationID string) (*DistributionRule, error) {
	rule := DistributionRule{OrganizationID: organizationID}
	err := r.pool.QueryRow(ctx, `SELECT method, enabled FROM distribution_rules WHERE organization_id = $1`, organizationID).
		Scan(&rule.Method, &rule.Enabled)
	if err != nil {
		return nil, fmt.Errorf("get distribution rule: %w", notFound(err))
	}

	rows, err := r.pool.Query(ctx, `
SELECT user_id, weight FROM distribution_members
WHERE organization_id = $1
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

// LastDistribution returns the most recent routing decision for the organization.
func (r *PostgresRepository) LastDistribution(ctx context.Context, organizationID string) (*DistributionRecord, error) {
	const q = `
SELECT id, organization_id, lead_id, user_id, method, trigger_source, created_at
FROM lead_distribution_history
WHERE organization_id = $1
ORDER BY created_at DESC
LIMIT 1`
	var rec DistributionRecord
	err := r.pool.QueryRow(ctx, q, organizationID).
		Scan(&rec.ID, &rec.OrganizationID, &rec.LeadID, &rec.UserID, &rec.Method, &rec.TriggerSource, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("last distribution: %w", notFound(err))
	}
	return &rec, nil
}

// DistributionCounts returns how many leads each user has received.
func (r *PostgresRepository) DistributionCounts(ctx context.Context, organizationID string) (map[string]int, error) {
	const q = `
SELECT user_id, COUNT(*) FROM lead_distribution_history
WHERE organization_id = $1
GROUP BY user_id`
	counts, err := r.countByUser(ctx, q, organizationID)
	if err != nil {
		return nil, fmt.Errorf("distribution counts: %w", err)
	}
	return counts, nil
}

// OpenLeadCounts returns how many not yet won or lost leads each user holds.
func (r *PostgresRepository) OpenLeadCounts(ctx context.Context, organizationID string) (map[string]int, error) {
	const q = `
SELECT responsible_user_id, COUNT(*) FROM leads
WHERE organization_id = $1 AND responsible_user_id IS NOT NULL AND stage NOT IN ($2, $3)
GROUP BY responsible_user_id`
	counts, err := r.countByUser(ctx, q, organizationID, StageWon, StageLost)
	if err != nil {
		return nil, fmt.Errorf("open lead counts: %w", err)
	}
	return counts, nil
}

func (r *PostgresRepository) countByUser(ctx context.Context, q string, args ...any) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, q, args...)
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

// InsertDistribution appends a routing decision.
func (r *PostgresRepository) InsertDistribution(ctx context.Context, rec DistributionRecord) (*DistributionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO lead_distribution_history (id, organization_id, lead_id, user_id, method, trigger_source, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.pool.Exec(ctx, q, rec.ID, rec.OrganizationID, rec.LeadID, rec.UserID, rec.Method, rec.TriggerSource, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert distribution: %w", err)
	}
	return &rec, nil
}

// AssignLead sets the responsible user of a lead.
func (r *PostgresRepository) AssignLead(ctx context.Context, leadID, userID string) error {
	const q = `UPDATE leads SET responsible_user_id = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, leadID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("assign lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assign lead: %w", ErrNotFound)
	}
	return nil
}
