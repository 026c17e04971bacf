// Package store persists user profiles, the notification outbox and inbound
// deduplication records.
//
// SQLite and PostgreSQL backends are provided, plus an in-memory store for
// tests and single-process development.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/util"
)

// ErrUnavailable wraps every failure to reach or use the backing database.
var ErrUnavailable = errors.New("store unavailable")

// ErrProfileNotFound is returned when writing a part of a profile that was never created.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileStore is the durable per-user document store. Enrollment fields and
// conversation history are written separately so neither owner can clobber the other.
type ProfileStore interface {
	// GetProfile returns nil, nil when no profile exists for id.
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	// UpsertProfile writes the whole profile.
	UpsertProfile(ctx context.Context, p *models.Profile) error
	// SaveEnrollment replaces status, inscription data and payment in one write.
	SaveEnrollment(ctx context.Context, id string, e models.Enrollment) error
	// SaveHistory replaces the conversation history.
	SaveHistory(ctx context.Context, id string, history []models.Turn) error
}

// Store is everything the service needs from a backend.
type Store interface {
	ProfileStore
	OutboxRepo
	DedupRepo
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// InMemoryStore keeps everything in process memory. Data is lost on restart.
type InMemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
	inbound  map[string]*inboundRecord
	outbox   map[string]*OutboxMessage
	now      func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]*models.Profile),
		inbound:  make(map[string]*inboundRecord),
		outbox:   make(map[string]*OutboxMessage),
		now:      time.Now,
	}
}

func cloneProfile(p *models.Profile) *models.Profile {
	out := *p
	out.Enrollment = p.Enrollment.Clone()
	out.History = slices.Clone(p.History)
	return &out
}

func (s *InMemoryStore) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	return cloneProfile(p), nil
}

func (s *InMemoryStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneProfile(p)
	c.UpdatedAt = s.now()
	s.profiles[p.ID] = c
	return nil
}

func (s *InMemoryStore) SaveEnrollment(ctx context.Context, id string, e models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return fmt.Errorf("save enrollment %s: %w", id, ErrProfileNotFound)
	}
	p.Enrollment = e.Clone()
	p.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) SaveHistory(ctx context.Context, id string, history []models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return fmt.Errorf("save history %s: %w", id, ErrProfileNotFound)
	}
	p.History = slices.Clone(history)
	p.UpdatedAt = s.now()
	return nil
}

type inboundRecord struct {
	receivedAt  time.Time
	processedAt *time.Time
}

func (s *InMemoryStore) RecordInbound(messageID, profileID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &inboundRecord{receivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		now := s.now()
		r.processedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.inbound {
		if r.receivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(profileID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status.Pending() {
				return m.ID, nil
			}
		}
	}
	now := s.now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		ProfileID:   profileID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	slices.SortFunc(due, func(a, b *OutboxMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *InMemoryStore) AbandonOutboxMessage(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a copy of every outbox record, for inspection in tests.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for m := range maps.Values(s.outbox) {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b OutboxMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *InMemoryStore) Close() error { return nil }
