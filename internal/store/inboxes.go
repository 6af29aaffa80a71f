package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GrantForInbox resolves the provider credential for an inbox. The inbox row
// is the source of truth; work rows only carry a denormalized copy.
func (s *Store) GrantForInbox(ctx context.Context, inboxID uuid.UUID) (string, error) {
	var grantID string
	err := s.db.QueryRowContext(ctx, `
		SELECT grant_id FROM inboxes WHERE id = $1
	`, inboxID).Scan(&grantID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("inbox %s not found", inboxID)
	}
	if err != nil {
		return "", fmt.Errorf("grant for inbox %s: %w", inboxID, err)
	}
	return grantID, nil
}

// MarkGrantExpired flags every inbox bound to the grant as auth-expired.
// Driven by grant.expired webhook notifications.
func (s *Store) MarkGrantExpired(ctx context.Context, grantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inboxes
		SET auth_status = 'expired', updated_at = NOW()
		WHERE grant_id = $1 AND auth_status <> 'expired'
	`, grantID)
	if err != nil {
		return 0, fmt.Errorf("mark grant %s expired: %w", grantID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
