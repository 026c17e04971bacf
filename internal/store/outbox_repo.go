package store

import "time"

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed is terminal: the sender gave up after max attempts.
	OutboxStatusFailed OutboxStatus = "failed"
)

// Pending reports whether the message may still be delivered.
func (s OutboxStatus) Pending() bool {
	return s == OutboxStatusQueued || s == OutboxStatusSending
}

// OutboxMessage is an operator notification awaiting delivery.
type OutboxMessage struct {
	ID            string       `json:"id"`
	ProfileID     string       `json:"profile_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists notifications so a crash or a flaky operator channel
// never loses a completed enrollment.
type OutboxRepo interface {
	// EnqueueOutboxMessage adds a message. A pending message with the same
	// non-empty dedupeKey is reused and its ID returned.
	EnqueueOutboxMessage(profileID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit due queued messages to sending.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records errMsg and requeues the message for nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records errMsg and marks the message failed for good.
	AbandonOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages returns claims older than staleBefore to the
	// queue, for messages whose sender died mid-delivery.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
