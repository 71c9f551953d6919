package repo

import (
	"context"
	"fmt"
)

// ListCardAssignments returns every card assigned to the user across organizations.
func (r *PostgresRepository) ListCardAssignments(ctx context.Context, userID string) ([]CardAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT card_id, user_id FROM kanban_card_assignees WHERE user_id = $1`, userID)
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

// ListCardDetails joins cards with their column and board.
func (r *PostgresRepository) ListCardDetails(ctx context.Context, cardIDs []string) ([]CardDetail, error) {
	if len(cardIDs) == 0 {
		return nil, nil
	}
	const q = `
SELECT c.id, c.title, c.due_date, col.id, col.title, col.position, b.id, b.organization_id
FROM kanban_cards c
JOIN kanban_columns col ON col.id = c.column_id
JOIN kanban_boards b ON b.id = col.board_id
WHERE c.id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, cardIDs)
	if err != nil {
		return nil, fmt.Errorf("list card details: %w", err)
	}
	defer rows.Close()

	var out []CardDetail
	for rows.Next() {
		var d CardDetail
		if err := rows.Scan(&d.CardID, &d.Title, &d.DueDate, &d.ColumnID, &d.ColumnTitle, &d.ColumnPosition, &d.BoardID, &d.BoardOrganizationID); err != nil {
			return nil, fmt.Errorf("scan card detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
