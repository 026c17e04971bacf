package store

import "time"

var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordInbound(messageID, profileID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, profile_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, profileID, time.Now(),
	)
	if err != nil {
		return false, unavailable("record inbound", err)
	}
	return affected(res, "record inbound")
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID); err != nil {
		return unavailable("mark processed", err)
	}
	return nil
}

func (s *PostgresStore) PruneInbound(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, unavailable("prune inbound", err)
	}
	return rowCount(res, "prune inbound")
}
