package store

import (
	"database/sql"
	"fmt"
)

const outboxColumns = `id, profile_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// nullString stores "" as SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowCount reports how many rows a statement touched.
func rowCount(res sql.Result, op string) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(op, err)
	}
	return int(n), nil
}

// affected reports whether a statement touched any row.
func affected(res sql.Result, op string) (bool, error) {
	n, err := rowCount(res, op)
	return n > 0, err
}

// scanOutboxMessage reads one row selected with outboxColumns.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payload, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	if err := rows.Scan(&m.ID, &m.ProfileID, &m.Kind, &payload, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, fmt.Errorf("scan outbox message: %w", err)
	}
	m.PayloadJSON, m.DedupeKey, m.LastError = payload.String, dedupeKey.String, lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
