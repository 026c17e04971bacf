package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual delivery.
// It receives the outbox message and should return an error if delivery failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 8
	maxOutboxBackoff          = time.Hour
)

// OutboxSender periodically claims due outbox messages and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates a new OutboxSender. maxAttempts <= 0 uses
// DefaultOutboxMaxAttempts.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, maxAttempts int) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOutboxMaxAttempts
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    maxAttempts,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Left in sending; RecoverStaleMessages picks it up after a restart.
			return
		}
		slog.Debug("OutboxSender.poll: delivering message", "id", msg.ID, "profileID", msg.ProfileID, "kind", msg.Kind)
		err := s.sendFunc(ctx, msg)
		if err == nil {
			if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			slog.Debug("OutboxSender.poll: message delivered", "id", msg.ID, "profileID", msg.ProfileID)
			continue
		}

		if msg.Attempts+1 >= s.maxAttempts {
			slog.Error("OutboxSender.poll: giving up on message", "id", msg.ID, "profileID", msg.ProfileID, "attempts", msg.Attempts+1, "error", err)
			if err := s.repo.AbandonOutboxMessage(msg.ID, err.Error()); err != nil {
				slog.Error("OutboxSender.poll: abandon message error", "id", msg.ID, "error", err)
			}
			continue
		}
		slog.Error("OutboxSender.poll: delivery failed", "id", msg.ID, "profileID", msg.ProfileID, "attempt", msg.Attempts+1, "error", err)
		nextAttempt := now.Add(outboxBackoff(msg.Attempts))
		if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
	}
}

// outboxBackoff is 10s, 20s, 40s, ... capped at one hour.
func outboxBackoff(attempts int) time.Duration {
	if attempts > 12 {
		return maxOutboxBackoff
	}
	return min(time.Duration(10*(1<<attempts))*time.Second, maxOutboxBackoff)
}
