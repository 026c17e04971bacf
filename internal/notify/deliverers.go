package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/EnrollPipe/internal/messaging"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

// Recipient is an operator address on a messaging platform.
type Recipient struct {
	Platform models.Platform
	ID       string
}

// GatewayDeliverer sends the summary and the captured images through the
// messaging gateway.
type GatewayDeliverer struct {
	gateway    messaging.Gateway
	recipients []Recipient
	loc        *time.Location
}

var _ Deliverer = (*GatewayDeliverer)(nil)

// NewGatewayDeliverer creates a deliverer for recipients. loc formats times in the summary.
func NewGatewayDeliverer(gateway messaging.Gateway, loc *time.Location, recipients ...Recipient) *GatewayDeliverer {
	return &GatewayDeliverer{gateway: gateway, recipients: recipients, loc: loc}
}

// Deliver sends to every recipient. Any failure fails the delivery so the
// outbox retries it.
func (d *GatewayDeliverer) Deliver(ctx context.Context, snap models.EnrollmentSnapshot) error {
	summary := Summary(snap, d.loc)
	images := []struct {
		caption  string
		filename string
		data     []byte
	}{
		{"INE anverso · " + snap.Folio, "ine_anverso.jpg", snap.IneFrontImage},
		{"INE reverso · " + snap.Folio, "ine_reverso.jpg", snap.IneBackImage},
		{"Comprobante de pago · " + snap.Folio, "comprobante.jpg", snap.Payment.ProofImage},
	}
	var errs []error
	for _, r := range d.recipients {
		if err := d.gateway.SendText(ctx, r.Platform, r.ID, summary); err != nil {
			errs = append(errs, fmt.Errorf("summary to %s: %w", r.ID, err))
			continue
		}
		for _, img := range images {
			if len(img.data) == 0 {
				continue
			}
			if err := d.gateway.SendImage(ctx, r.Platform, r.ID, img.caption, img.data, img.filename); err != nil {
				errs = append(errs, fmt.Errorf("%s to %s: %w", img.filename, r.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration for the Twilio operator channel.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string // WhatsApp sender in "whatsapp:+1234567890" format
}

// TwilioOption defines a configuration option for the Twilio deliverer.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the Twilio WhatsApp sender.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioDeliverer sends the summary text to operator phones through the
// Twilio WhatsApp API. Images are not sent on this channel.
type TwilioDeliverer struct {
	api        messageCreator
	from       string
	recipients []string
	loc        *time.Location
}

var _ Deliverer = (*TwilioDeliverer)(nil)

// NewTwilioDeliverer creates a Twilio deliverer for the given E.164 numbers.
func NewTwilioDeliverer(loc *time.Location, recipients []string, opts ...TwilioOption) (*TwilioDeliverer, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewTwilioDeliverer: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("twilio sender number must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioDeliverer{api: client.Api, from: cfg.From, recipients: recipients, loc: loc}, nil
}

// Deliver sends the summary to every recipient.
func (d *TwilioDeliverer) Deliver(ctx context.Context, snap models.EnrollmentSnapshot) error {
	summary := Summary(snap, d.loc)
	var errs []error
	for _, to := range d.recipients {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo("whatsapp:+" + to)
		params.SetFrom(d.from)
		params.SetBody(summary)
		if _, err := d.api.CreateMessage(params); err != nil {
			slog.Error("TwilioDeliverer.Deliver: send failed", "to", to, "error", err)
			errs = append(errs, fmt.Errorf("twilio to %s: %w", to, err))
			continue
		}
		slog.Debug("TwilioDeliverer.Deliver: summary sent", "to", to, "folio", snap.Folio)
	}
	return errors.Join(errs...)
}
