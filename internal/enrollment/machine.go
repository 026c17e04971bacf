// Package enrollment implements the enrollment flow: data collection, INE
// verification, payment selection and completion.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

const tracerName = "github.com/BTreeMap/EnrollPipe/internal/enrollment"

// ErrNotInEnrollment is returned by Handle for profiles whose status is not an
// enrollment state (not_started or completed).
var ErrNotInEnrollment = errors.New("profile is not in an enrollment state")

// Store persists the enrollment part of a profile in one write.
type Store interface {
	SaveEnrollment(ctx context.Context, profileID string, e models.Enrollment) error
}

// Sender delivers text replies to a user.
type Sender interface {
	SendText(ctx context.Context, platform models.Platform, to, text string) error
}

// Notifier receives the snapshot of every completed enrollment.
type Notifier interface {
	NotifyCompletion(ctx context.Context, snap models.EnrollmentSnapshot) error
}

// MachineOpts holds optional collaborators for a Machine.
type MachineOpts struct {
	Notifier Notifier
	Metrics  *metrics.Metrics
	Settings Settings
	Clock    func() time.Time
	NewFolio func() string
	Tracer   trace.Tracer
}

// MachineOption configures a Machine.
type MachineOption func(*MachineOpts)

// WithNotifier sets the sink for completed enrollments.
func WithNotifier(n Notifier) MachineOption {
	return func(o *MachineOpts) { o.Notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) MachineOption {
	return func(o *MachineOpts) { o.Metrics = m }
}

// WithSettings overrides the institution settings.
func WithSettings(s Settings) MachineOption {
	return func(o *MachineOpts) { o.Settings = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(o *MachineOpts) { o.Clock = now }
}

// WithFolioGenerator overrides the folio generator used for snapshots.
func WithFolioGenerator(gen func() string) MachineOption {
	return func(o *MachineOpts) { o.NewFolio = gen }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) MachineOption {
	return func(o *MachineOpts) { o.Tracer = t }
}

// Machine drives a profile through the enrollment states. It is safe for
// concurrent use across profiles; callers serialize messages per profile.
type Machine struct {
	store     Store
	sender    Sender
	extractor IDExtractor
	assistant DataAssistant
	scheduler AppointmentParser
	notifier  Notifier
	metrics   *metrics.Metrics
	settings  Settings
	now       func() time.Time
	newFolio  func() string
	tracer    trace.Tracer
}

// NewMachine creates an enrollment state machine.
func NewMachine(store Store, sender Sender, extractor IDExtractor, assistant DataAssistant, scheduler AppointmentParser, opts ...MachineOption) *Machine {
	o := MachineOpts{
		Settings: DefaultSettings(),
		Clock:    time.Now,
		NewFolio: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return &Machine{
		store:     store,
		sender:    sender,
		extractor: extractor,
		assistant: assistant,
		scheduler: scheduler,
		notifier:  o.Notifier,
		metrics:   o.Metrics,
		settings:  o.Settings,
		now:       o.Clock,
		newFolio:  o.NewFolio,
		tracer:    o.Tracer,
	}
}

// outcome is what a transition handler decided. A nil next leaves the stored
// enrollment untouched.
type outcome struct {
	next      *models.Enrollment
	replies   []string
	completed bool
}

func stay(replies ...string) outcome {
	return outcome{replies: replies}
}

func advance(next models.Enrollment, replies ...string) outcome {
	return outcome{next: &next, replies: replies}
}

// Begin starts the flow for a profile handed over by the information assistant.
// A not_started profile enters awaiting_all_data and the message is handled from
// there, so the first persisted state is validating_data.
func (m *Machine) Begin(ctx context.Context, p *models.Profile, msg models.InboundMessage) error {
	start := p.Enrollment
	if start.Status.Kind == models.KindNotStarted {
		start = start.Clone()
		start.Status = models.StatusAwaitingAllData
	}
	slog.Info("Machine.Begin: enrollment handoff", "profileID", p.ID, "status", p.Status)
	return m.run(ctx, p, start, msg)
}

// Handle applies one inbound message to a profile that is in an enrollment
// state. On success p.Enrollment reflects what was persisted. Store failures are
// reported to the user and logged, never returned.
func (m *Machine) Handle(ctx context.Context, p *models.Profile, msg models.InboundMessage) error {
	return m.run(ctx, p, p.Enrollment, msg)
}

func (m *Machine) run(ctx context.Context, p *models.Profile, start models.Enrollment, msg models.InboundMessage) error {
	if !start.Status.InEnrollment() {
		return ErrNotInEnrollment
	}

	ctx, span := m.tracer.Start(ctx, "enrollment.transition", trace.WithAttributes(
		attribute.String("enrollment.profile_id", p.ID),
		attribute.String("enrollment.platform", string(p.Platform)),
		attribute.String("enrollment.from", start.Status.String()),
	))
	defer span.End()

	out := m.dispatch(ctx, p, start.Clone(), msg)

	if out.next != nil {
		if out.next.Status.Rank() < start.Status.Rank() {
			err := fmt.Errorf("refusing backward transition %s -> %s", start.Status, out.next.Status)
			slog.Error("Machine.run: invalid transition", "profileID", p.ID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "backward transition")
			return err
		}
		if err := m.store.SaveEnrollment(ctx, p.ID, *out.next); err != nil {
			slog.Error("Machine.run: failed to persist enrollment", "profileID", p.ID, "status", out.next.Status, "error", err)
			m.metrics.IncrementStoreFailure("save_enrollment")
			span.RecordError(err)
			span.SetStatus(codes.Error, "store unavailable")
			m.send(ctx, p, MsgDatabaseProblem)
			return nil
		}
		if out.next.Status != start.Status || start.Status != p.Status {
			m.metrics.IncrementTransition(p.Status.String(), out.next.Status.String())
			slog.Info("Machine.run: transition", "profileID", p.ID, "from", p.Status, "to", out.next.Status)
		}
		p.Enrollment = *out.next
		span.SetAttributes(attribute.String("enrollment.to", out.next.Status.String()))
	}

	var sendErrs []error
	for _, r := range out.replies {
		if err := m.send(ctx, p, r); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}

	if out.completed {
		m.complete(ctx, p)
	}
	return errors.Join(sendErrs...)
}

func (m *Machine) dispatch(ctx context.Context, p *models.Profile, e models.Enrollment, msg models.InboundMessage) outcome {
	switch e.Status.Kind {
	case models.KindAwaitingAllData:
		return m.sendChecklist(e)
	case models.KindValidatingData:
		if !msg.HasText() {
			return stay(MsgExpectText)
		}
		return m.analyzeInitial(ctx, p, e, msg.Text)
	case models.KindCollecting:
		if !msg.HasText() {
			return stay(MsgExpectText + " " + FieldQuestion(e.Status.Field))
		}
		return m.collectField(ctx, e, msg.Text)
	case models.KindAwaitingIneFront:
		if !msg.HasImage() {
			return stay(MsgExpectFront)
		}
		return m.checkFront(ctx, p, e, *msg.Image)
	case models.KindAwaitingIneBack:
		if !msg.HasImage() {
			return stay(MsgExpectBack)
		}
		return m.checkBack(ctx, p, e, *msg.Image)
	case models.KindAwaitingPaymentMethod, models.KindPendingImplementation:
		if !msg.HasText() {
			return stay(MsgInvalidChoice)
		}
		return m.selectPayment(e, msg.Text)
	case models.KindAwaitingPaymentProof:
		if !msg.HasImage() {
			return stay(MsgExpectProof)
		}
		return m.receiveProof(e, *msg.Image)
	case models.KindAwaitingCajaSchedule:
		if !msg.HasText() {
			return stay(MsgExpectText + " " + msgAskAppointmentTime)
		}
		return m.scheduleVisit(ctx, e, msg.Text)
	default:
		slog.Warn("Machine.dispatch: no handler for status", "profileID", p.ID, "status", e.Status)
		return stay()
	}
}

func (m *Machine) sendChecklist(e models.Enrollment) outcome {
	e.Status = models.StatusValidatingData
	return advance(e, checklistMessage())
}

func (m *Machine) analyzeInitial(ctx context.Context, p *models.Profile, e models.Enrollment, text string) outcome {
	m.send(ctx, p, MsgProcessing)
	analysis, err := m.assistant.Analyze(ctx, text, e.Data)
	if err != nil {
		m.metrics.IncrementServiceFailure("data_assistant")
		return stay(MsgProcessingFailed)
	}
	e.Data = e.Data.Merge(analysis.Data)
	return m.nextMissing(e, analysis.Missing, "")
}

func (m *Machine) collectField(ctx context.Context, e models.Enrollment, text string) outcome {
	field := e.Status.Field
	e.Data = e.Data.Merge(map[models.CanonicalField]string{field: text})
	analysis, err := m.assistant.Analyze(ctx, accumulatedText(e.Data), e.Data)
	if err != nil {
		m.metrics.IncrementServiceFailure("data_assistant")
		return stay(MsgAnswerFailed)
	}
	e.Data = e.Data.Merge(analysis.Data)
	return m.nextMissing(e, analysis.Missing, field)
}

// nextMissing asks for the first missing field, or moves on to the ID photos
// when nothing is missing. asked is the field that was just answered, if any.
func (m *Machine) nextMissing(e models.Enrollment, missing []models.CanonicalField, asked models.CanonicalField) outcome {
	if len(missing) == 0 {
		e.Status = models.StatusAwaitingIneFront
		return advance(e, MsgAllDataReceived)
	}
	first := missing[0]
	e.Status = models.Collecting(first)
	if first == asked {
		return advance(e, MsgRetryField+" "+FieldQuestion(first))
	}
	return advance(e, askFieldMessage(first))
}

func (m *Machine) checkFront(ctx context.Context, p *models.Profile, e models.Enrollment, img models.Image) outcome {
	m.send(ctx, p, MsgFrontReceived)
	ext, err := m.extractor.Extract(ctx, img, SideFront)
	if err != nil {
		m.metrics.IncrementServiceFailure("extraction")
		return stay(MsgFrontUnreadable)
	}
	v := ValidateFront(e.Data, ext)
	switch {
	case v.Unavailable():
		m.metrics.IncrementServiceFailure("validation")
		return stay(MsgValidationFailed)
	case !v.Match:
		m.metrics.IncrementMismatch(string(SideFront))
		slog.Info("Machine.checkFront: mismatch", "profileID", p.ID, "reason", v.Reason)
		return stay(frontMismatchMessage(v.Reason))
	}
	e.Data.IneFrontImage = img.Data
	e.Status = models.StatusAwaitingIneBack
	return advance(e, MsgFrontValid)
}

func (m *Machine) checkBack(ctx context.Context, p *models.Profile, e models.Enrollment, img models.Image) outcome {
	m.send(ctx, p, MsgBackReceived)
	ext, err := m.extractor.Extract(ctx, img, SideBack)
	if err != nil {
		m.metrics.IncrementServiceFailure("extraction")
		return stay(MsgBackUnreadable)
	}
	v := ValidateBack(e.Data, ext)
	switch {
	case v.Unavailable():
		m.metrics.IncrementServiceFailure("validation")
		return stay(MsgValidationFailed)
	case !v.Match:
		m.metrics.IncrementMismatch(string(SideBack))
		slog.Info("Machine.checkBack: mismatch", "profileID", p.ID, "reason", v.Reason)
		return stay(backMismatchMessage(v.Reason))
	}
	e.Data.IneBackImage = img.Data
	e.Status = models.StatusAwaitingPaymentMethod
	return advance(e, paymentMenuMessage())
}

func (m *Machine) selectPayment(e models.Enrollment, text string) outcome {
	method, ok := ParsePaymentChoice(text)
	if !ok {
		return stay(MsgInvalidChoice)
	}
	switch method {
	case models.PaymentTransfer:
		e.Payment = &models.Payment{Method: method, Status: models.PaymentPending}
		e.Status = models.StatusAwaitingPaymentProof
		return advance(e, transferMessage(m.settings.Bank))
	case models.PaymentCashDesk:
		e.Payment = &models.Payment{Method: method, Status: models.PaymentPendingSchedule}
		e.Status = models.StatusAwaitingCajaSchedule
		return advance(e, cashDeskMessage(m.settings.OfficeHours))
	default:
		if e.Status.Kind == models.KindPendingImplementation {
			return stay(MsgCardNotAvailable)
		}
		e.Payment = &models.Payment{Method: method, Status: models.PaymentPendingImplementation}
		e.Status = models.StatusPendingImplementation
		return advance(e, MsgCardNotAvailable)
	}
}

func (m *Machine) receiveProof(e models.Enrollment, img models.Image) outcome {
	if e.Payment == nil {
		e.Payment = &models.Payment{Method: models.PaymentTransfer}
	}
	receivedAt := m.now()
	e.Payment.ProofImage = img.Data
	e.Payment.ReceivedAt = &receivedAt
	e.Payment.Status = models.PaymentProofReceived
	e.Status = models.StatusCompleted
	out := advance(e, MsgProofReceived)
	out.completed = true
	return out
}

func (m *Machine) scheduleVisit(ctx context.Context, e models.Enrollment, text string) outcome {
	appt, err := m.scheduler.Parse(ctx, text, m.now())
	if err != nil {
		m.metrics.IncrementServiceFailure("scheduler")
		return stay(MsgUnclearDate)
	}
	if appt == nil {
		return stay(MsgUnclearDate)
	}
	if e.Payment == nil {
		e.Payment = &models.Payment{Method: models.PaymentCashDesk}
	}
	e.Payment.ScheduledAt = appt.DateTime()
	e.Payment.Status = models.PaymentScheduled
	e.Status = models.StatusCompleted
	out := advance(e, appointmentSetMessage(appt.DateTime()))
	out.completed = true
	return out
}

// complete hands the finished enrollment to the notifier. Delivery problems are
// logged and never undo the completed status.
func (m *Machine) complete(ctx context.Context, p *models.Profile) {
	snap := models.NewSnapshot(m.newFolio(), p.ID, p.Platform, p.Enrollment, m.now())
	m.metrics.IncrementCompletion(string(snap.Payment.Method))
	slog.Info("Machine.complete: enrollment completed", "profileID", p.ID, "folio", snap.Folio, "method", snap.Payment.Method)
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyCompletion(ctx, snap); err != nil {
		slog.Error("Machine.complete: operator notification failed", "profileID", p.ID, "folio", snap.Folio, "error", err)
	}
}

func (m *Machine) send(ctx context.Context, p *models.Profile, text string) error {
	err := m.sender.SendText(ctx, p.Platform, p.ID, text)
	if err != nil {
		slog.Error("Machine.send: failed to send reply", "profileID", p.ID, "platform", p.Platform, "error", err)
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}
