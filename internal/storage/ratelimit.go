package storage

import (
	"context"
	"fmt"
	"time"
)

// AdmitRate implements the sliding-window admission check for one key. In a
// single transaction it purges counter rows older than the window (globally,
// so the table stays small under many distinct keys), counts the key's
// remaining rows, and either rejects without recording, or records the
// attempt and admits. The store's single-connection setup serializes the
// transaction, so concurrent requests for the same key cannot both be
// admitted when one slot remains.
func (s *Store) AdmitRate(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-window)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning rate-limit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE created_at < ?`,
		windowStart.Format(timeFormat),
	); err != nil {
		return false, fmt.Errorf("purging stale rate-limit rows: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE key = ? AND created_at >= ?`,
		key, windowStart.Format(timeFormat),
	).Scan(&count); err != nil {
		return false, fmt.Errorf("counting rate-limit rows: %w", err)
	}

	if count >= max {
		// Rejected attempts are not recorded, so a throttled client does not
		// extend its own window.
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limits (key, created_at) VALUES (?, ?)`,
		key, now.Format(timeFormat),
	); err != nil {
		return false, fmt.Errorf("recording rate-limit attempt: %w", err)
	}

	return true, tx.Commit()
}
