// Package conversation routes inbound messages. It serializes work per user,
// drops redelivered messages, loads or creates the profile and hands the
// message to either the enrollment machine or the information assistant.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/EnrollPipe/internal/enrollment"
	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/store"
)

// DefaultWorkers bounds how many messages are processed concurrently.
const DefaultWorkers = 16

// ErrMissingSender is returned for envelopes without a sender id.
var ErrMissingSender = errors.New("inbound message has no sender")

// Handler processes one message for a loaded profile.
type Handler interface {
	Handle(ctx context.Context, p *models.Profile, msg models.InboundMessage) error
}

// Opts holds optional collaborators for a Processor.
type Opts struct {
	Dedup   store.DedupRepo
	Locker  Locker
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Option configures a Processor.
type Option func(*Opts)

// WithDedup drops messages whose platform id was already recorded.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithLocker replaces the in-process per-user lock.
func WithLocker(l Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock sets the clock used for new profiles.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Processor is the entry point for every inbound message.
type Processor struct {
	profiles   store.ProfileStore
	enrollment Handler
	info       Handler
	sender     enrollment.Sender
	dedup      store.DedupRepo
	locker     Locker
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewProcessor creates a processor. Profiles in an enrollment state go to
// enroll, everyone else to info.
func NewProcessor(profiles store.ProfileStore, enroll, info Handler, sender enrollment.Sender, opts ...Option) *Processor {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedLocker()
	}
	return &Processor{
		profiles:   profiles,
		enrollment: enroll,
		info:       info,
		sender:     sender,
		dedup:      cfg.Dedup,
		locker:     cfg.Locker,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,
	}
}

func messageKind(msg models.InboundMessage) string {
	switch {
	case msg.HasImage():
		return "image"
	case msg.HasText():
		return "text"
	}
	return "empty"
}

// Process handles one inbound message end to end. Store failures are reported
// to the user and logged; they are not returned.
func (p *Processor) Process(ctx context.Context, msg models.InboundMessage) error {
	if msg.SenderID == "" {
		return ErrMissingSender
	}
	kind := messageKind(msg)
	p.metrics.IncrementInbound(string(msg.Platform), kind)
	if kind == "empty" {
		slog.Debug("Processor.Process: ignoring message without text or image", "profileID", msg.SenderID, "platform", msg.Platform)
		return nil
	}

	if p.dedup != nil && msg.MessageID != "" {
		inserted, err := p.dedup.RecordInbound(msg.MessageID, msg.SenderID)
		switch {
		case err != nil:
			slog.Error("Processor.Process: dedup record failed, processing anyway", "messageID", msg.MessageID, "error", err)
		case !inserted:
			p.metrics.IncrementDuplicate(string(msg.Platform))
			slog.Info("Processor.Process: duplicate message dropped", "messageID", msg.MessageID, "profileID", msg.SenderID)
			return nil
		}
	}

	unlock, err := p.locker.Lock(ctx, msg.SenderID)
	if err != nil {
		slog.Error("Processor.Process: could not lock profile", "profileID", msg.SenderID, "error", err)
		return err
	}
	defer unlock()

	start := time.Now()
	route, err := p.route(ctx, msg)
	p.metrics.ObserveProcessLatency(route, time.Since(start))
	if err != nil {
		return err
	}

	if p.dedup != nil && msg.MessageID != "" {
		if err := p.dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("Processor.Process: mark processed failed", "messageID", msg.MessageID, "error", err)
		}
	}
	return nil
}

func (p *Processor) route(ctx context.Context, msg models.InboundMessage) (string, error) {
	profile, err := p.loadOrCreate(ctx, msg)
	if err != nil {
		if sendErr := p.sender.SendText(ctx, msg.Platform, msg.SenderID, enrollment.MsgDatabaseProblem); sendErr != nil {
			slog.Error("Processor.route: could not report database problem", "profileID", msg.SenderID, "error", sendErr)
		}
		return "store_error", nil
	}

	if profile.Status.InEnrollment() {
		slog.Debug("Processor.route: enrollment", "profileID", profile.ID, "status", profile.Status)
		return "enrollment", p.enrollment.Handle(ctx, profile, msg)
	}
	slog.Debug("Processor.route: information", "profileID", profile.ID, "status", profile.Status)
	return "information", p.info.Handle(ctx, profile, msg)
}

func (p *Processor) loadOrCreate(ctx context.Context, msg models.InboundMessage) (*models.Profile, error) {
	profile, err := p.profiles.GetProfile(ctx, msg.SenderID)
	if err != nil {
		p.metrics.IncrementStoreFailure("get_profile")
		slog.Error("Processor.loadOrCreate: profile load failed", "profileID", msg.SenderID, "error", err)
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}
	profile = models.NewProfile(msg.SenderID, msg.Platform, p.now())
	if err := p.profiles.UpsertProfile(ctx, profile); err != nil {
		p.metrics.IncrementStoreFailure("create_profile")
		slog.Error("Processor.loadOrCreate: profile create failed", "profileID", msg.SenderID, "error", err)
		return nil, err
	}
	slog.Info("Processor.loadOrCreate: new profile", "profileID", profile.ID, "platform", profile.Platform)
	return profile, nil
}

// Run processes messages from in until ctx is cancelled or in is closed, with
// at most workers messages in flight.
func (p *Processor) Run(ctx context.Context, in <-chan models.InboundMessage, workers int) error {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	slog.Info("Processor.Run: started", "workers", workers)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Processor.Run: stopping, waiting for in-flight messages")
			return g.Wait()
		case msg, ok := <-in:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if err := p.Process(ctx, msg); err != nil {
					slog.Error("Processor.Run: message failed", "profileID", msg.SenderID, "platform", msg.Platform, "error", err)
				}
				return nil
			})
		}
	}
}
