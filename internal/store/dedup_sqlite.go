package store

import "time"

var _ DedupRepo = (*SQLiteStore)(nil)

// RecordInbound relies on the primary key, so concurrent redeliveries of one
// message record it exactly once.
func (s *SQLiteStore) RecordInbound(messageID, profileID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, profile_id, received_at) VALUES (?, ?, ?)`,
		messageID, profileID, time.Now(),
	)
	if err != nil {
		return false, unavailable("record inbound", err)
	}
	return affected(res, "record inbound")
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID); err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *SQLiteStore) PruneInbound(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, unavailable("prune inbound", err)
	}
	return rowCount(res, "prune inbound")
}
