package store

import "time"

// DefaultDedupRetention is how long inbound message ids are remembered.
// WhatsApp and Meta redeliver within minutes, so a week is generous.
const DefaultDedupRetention = 7 * 24 * time.Hour

// DedupRepo remembers platform message ids so redeliveries are processed once.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new.
	RecordInbound(messageID, profileID string) (bool, error)

	// MarkProcessed stamps a recorded message as handled. Unknown ids are ignored.
	MarkProcessed(messageID string) error

	// PruneInbound forgets ids received before cutoff and returns how many.
	PruneInbound(cutoff time.Time) (int, error)
}
