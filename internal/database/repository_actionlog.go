package database

import (
	"context"
	"time"
)

// LogAction appends an audit row. Rows are never updated.
func (r *Repository) LogAction(ctx context.Context, subscriptionID int64, action, description string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO action_logs (subscription_id, action, description)
		VALUES ($1, $2, $3)
	`, subscriptionID, action, description)
	return err
}

// GetRecentActions retrieves the latest action-log rows for a subscription,
// newest first.
func (r *Repository) GetRecentActions(ctx context.Context, subscriptionID int64, limit int) ([]*ActionLog, error) {
	query := `
		SELECT id, subscription_id, timestamp, action, description
		FROM action_logs
		WHERE subscription_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ActionLog
	for rows.Next() {
		entry := &ActionLog{}
		if err := rows.Scan(&entry.ID, &entry.SubscriptionID, &entry.Timestamp, &entry.Action, &entry.Description); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// CountConsecutiveErrors returns how many of the most recent rows for a
// subscription are ERROR rows, stopping at the first non-error. Used for the
// three-strikes transition to subscription ERROR status.
func (r *Repository) CountConsecutiveErrors(ctx context.Context, subscriptionID int64, window int) (int, error) {
	logs, err := r.GetRecentActions(ctx, subscriptionID, window)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range logs {
		if entry.Action != ActionError {
			break
		}
		count++
	}
	return count, nil
}

// PruneActionLogs deletes non-ERROR rows older than the retention window.
// ERROR rows are kept for operator inspection.
func (r *Repository) PruneActionLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM action_logs WHERE timestamp < $1 AND action <> 'ERROR'
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
