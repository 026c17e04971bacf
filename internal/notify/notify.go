// Package notify delivers completed enrollments to operators.
//
// The enrollment machine hands a snapshot to OutboxNotifier, which only
// enqueues it. A store.OutboxSender later calls Dispatcher.Send, which reloads
// the ID images from the profile store and passes the snapshot to every
// configured Deliverer.
//
// Images are not copied into the outbox payload. Reloading them at delivery
// returns what the snapshot saw only because completed is terminal: the
// machine never writes a completed profile again.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/EnrollPipe/internal/enrollment"
	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/store"
)

// KindEnrollmentCompleted is the outbox kind for completion notifications.
const KindEnrollmentCompleted = "enrollment_completed"

// ErrUnknownKind is returned for outbox messages this package does not handle.
var ErrUnknownKind = errors.New("unknown outbox message kind")

// Enqueuer is the outbox write side.
type Enqueuer interface {
	EnqueueOutboxMessage(profileID, kind, payloadJSON, dedupeKey string) (string, error)
}

// OutboxNotifier implements enrollment.Notifier by enqueueing the snapshot.
// Images are left out of the payload and reloaded at delivery time so they are
// only ever stored sealed.
type OutboxNotifier struct {
	outbox Enqueuer
}

var _ enrollment.Notifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier creates a notifier writing to outbox.
func NewOutboxNotifier(outbox Enqueuer) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox}
}

// NotifyCompletion enqueues one notification per profile.
func (n *OutboxNotifier) NotifyCompletion(ctx context.Context, snap models.EnrollmentSnapshot) error {
	payload := snap
	payload.IneFrontImage = nil
	payload.IneBackImage = nil
	payload.Payment.ProofImage = nil
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	id, err := n.outbox.EnqueueOutboxMessage(snap.ProfileID, KindEnrollmentCompleted, string(raw), snap.ProfileID)
	if err != nil {
		return fmt.Errorf("enqueue completion for %s: %w", snap.ProfileID, err)
	}
	slog.Info("OutboxNotifier.NotifyCompletion: notification queued", "profileID", snap.ProfileID, "folio", snap.Folio, "outboxID", id)
	return nil
}

// Deliverer sends a snapshot to operators over one channel.
type Deliverer interface {
	Deliver(ctx context.Context, snap models.EnrollmentSnapshot) error
}

// ProfileGetter reads profiles back for their images.
type ProfileGetter interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

// Dispatcher turns outbox messages into deliveries.
type Dispatcher struct {
	profiles   ProfileGetter
	deliverers []Deliverer
	metrics    *metrics.Metrics
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(profiles ProfileGetter, m *metrics.Metrics, deliverers ...Deliverer) *Dispatcher {
	return &Dispatcher{profiles: profiles, deliverers: deliverers, metrics: m}
}

// Send implements store.OutboxSendFunc.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) error {
	err := d.send(ctx, msg)
	d.metrics.IncrementNotification(err)
	if err != nil {
		slog.Error("Dispatcher.Send: operator notification failed", "outboxID", msg.ID, "profileID", msg.ProfileID, "attempt", msg.Attempts+1, "error", err)
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != KindEnrollmentCompleted {
		return fmt.Errorf("%w: %s", ErrUnknownKind, msg.Kind)
	}
	var snap models.EnrollmentSnapshot
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if err := d.attachImages(ctx, &snap); err != nil {
		return err
	}
	var errs []error
	for _, dl := range d.deliverers {
		if err := dl.Deliver(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		slog.Info("Dispatcher.Send: operators notified", "profileID", snap.ProfileID, "folio", snap.Folio, "channels", len(d.deliverers))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) attachImages(ctx context.Context, snap *models.EnrollmentSnapshot) error {
	if d.profiles == nil {
		return nil
	}
	p, err := d.profiles.GetProfile(ctx, snap.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", snap.ProfileID, err)
	}
	if p == nil {
		slog.Warn("Dispatcher.attachImages: profile vanished, sending without images", "profileID", snap.ProfileID)
		return nil
	}
	snap.IneFrontImage = p.Data.IneFrontImage
	snap.IneBackImage = p.Data.IneBackImage
	if p.Payment != nil {
		snap.Payment.ProofImage = p.Payment.ProofImage
	}
	return nil
}
