package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Platform identifies the messaging network a user writes from.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformMeta      Platform = "meta"
)

// IsValid reports whether p is a supported platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformWhatsApp, PlatformFacebook, PlatformInstagram, PlatformMeta:
		return true
	}
	return false
}

// Stored keys for the captured ID images inside inscription data.
const (
	dataKeyIneFront = "ineFrontImage"
	dataKeyIneBack  = "ineBackImage"
)

// InscriptionData holds the declared personal data and the accepted ID images.
// Fields only ever contains canonical keys.
type InscriptionData struct {
	Fields        map[CanonicalField]string
	IneFrontImage []byte
	IneBackImage  []byte
}

// Get returns the trimmed value stored for f.
func (d InscriptionData) Get(f CanonicalField) string {
	return strings.TrimSpace(d.Fields[f])
}

// Has reports whether f carries a non-empty value.
func (d InscriptionData) Has(f CanonicalField) bool {
	return d.Get(f) != ""
}

// Missing returns the canonical fields without a value, in collection order.
func (d InscriptionData) Missing() []CanonicalField {
	var missing []CanonicalField
	for _, f := range CanonicalFields {
		if !d.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Merge returns a copy of d with the non-empty canonical values of update applied.
// Existing values are never removed.
func (d InscriptionData) Merge(update map[CanonicalField]string) InscriptionData {
	out := d.Clone()
	for f, v := range update {
		v = strings.TrimSpace(v)
		if !f.IsValid() || v == "" {
			continue
		}
		out.Fields[f] = v
	}
	return out
}

// Clone returns a deep copy of d.
func (d InscriptionData) Clone() InscriptionData {
	out := InscriptionData{
		Fields:        make(map[CanonicalField]string, len(d.Fields)),
		IneFrontImage: slices.Clone(d.IneFrontImage),
		IneBackImage:  slices.Clone(d.IneBackImage),
	}
	maps.Copy(out.Fields, d.Fields)
	return out
}

// MarshalJSON flattens the fields and base64-encoded images into one object.
func (d InscriptionData) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(d.Fields)+2)
	for f, v := range d.Fields {
		if f.IsValid() {
			flat[string(f)] = v
		}
	}
	if len(d.IneFrontImage) > 0 {
		flat[dataKeyIneFront] = base64.StdEncoding.EncodeToString(d.IneFrontImage)
	}
	if len(d.IneBackImage) > 0 {
		flat[dataKeyIneBack] = base64.StdEncoding.EncodeToString(d.IneBackImage)
	}
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flattened form. Keys outside the canonical set are dropped.
func (d *InscriptionData) UnmarshalJSON(b []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	out := InscriptionData{Fields: make(map[CanonicalField]string, len(flat))}
	for k, v := range flat {
		switch k {
		case dataKeyIneFront:
			img, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out.IneFrontImage = img
		case dataKeyIneBack:
			img, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out.IneBackImage = img
		default:
			if f := CanonicalField(k); f.IsValid() {
				out.Fields[f] = v
			}
		}
	}
	*d = out
	return nil
}

// PaymentMethod is the payment sub-flow a user picked.
type PaymentMethod string

const (
	PaymentTransfer PaymentMethod = "transferencia"
	PaymentCard     PaymentMethod = "tarjeta"
	PaymentCashDesk PaymentMethod = "caja"
)

// PaymentStatus tracks progress inside a payment sub-flow.
type PaymentStatus string

const (
	PaymentPending               PaymentStatus = "pending"
	PaymentPendingImplementation PaymentStatus = "pending_implementation"
	PaymentPendingSchedule       PaymentStatus = "pending_schedule"
	PaymentScheduled             PaymentStatus = "scheduled"
	PaymentProofReceived         PaymentStatus = "comprobante_recibido"
)

// Payment is present once a payment method has been chosen.
type Payment struct {
	Method      PaymentMethod `json:"method"`
	Status      PaymentStatus `json:"status"`
	ScheduledAt string        `json:"scheduledAt,omitempty"`
	ProofImage  []byte        `json:"proofImage,omitempty"`
	ReceivedAt  *time.Time    `json:"receivedAt,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	out := *p
	out.ProofImage = slices.Clone(p.ProofImage)
	if p.ReceivedAt != nil {
		t := *p.ReceivedAt
		out.ReceivedAt = &t
	}
	return &out
}

// Enrollment is the part of a profile owned by the enrollment state machine.
type Enrollment struct {
	Status  Status          `json:"inscriptionStatus"`
	Data    InscriptionData `json:"inscriptionData"`
	Payment *Payment        `json:"payment,omitempty"`
}

// Clone returns a deep copy of e.
func (e Enrollment) Clone() Enrollment {
	return Enrollment{
		Status:  e.Status,
		Data:    e.Data.Clone(),
		Payment: e.Payment.Clone(),
	}
}

// TurnRole identifies the author of a conversation turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one message in the information assistant's history.
type Turn struct {
	Role TurnRole `json:"role"`
	Text string   `json:"text"`
}

// Profile is the per-user document. Enrollment is written only by the state
// machine and History only by the information assistant.
type Profile struct {
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	Enrollment
	History   []Turn    `json:"history,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProfile returns a fresh profile for a user seen for the first time.
func NewProfile(id string, platform Platform, now time.Time) *Profile {
	return &Profile{
		ID:       id,
		Platform: platform,
		Enrollment: Enrollment{
			Status: StatusNotStarted,
			Data:   InscriptionData{Fields: map[CanonicalField]string{}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Image is an inbound or outbound picture.
type Image struct {
	Data     []byte
	MimeType string
}

// InboundMessage is the platform-neutral envelope handed over by the transports.
type InboundMessage struct {
	Platform  Platform
	SenderID  string
	MessageID string
	Text      string
	Image     *Image
}

// HasText reports whether the message carries non-blank text.
func (m InboundMessage) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// HasImage reports whether the message carries image bytes.
func (m InboundMessage) HasImage() bool {
	return m.Image != nil && len(m.Image.Data) > 0
}

// EnrollmentSnapshot is the immutable record of a finished enrollment sent to operators.
type EnrollmentSnapshot struct {
	Folio         string                    `json:"folio"`
	ProfileID     string                    `json:"profileId"`
	Platform      Platform                  `json:"platform"`
	Fields        map[CanonicalField]string `json:"fields"`
	IneFrontImage []byte                    `json:"ineFrontImage,omitempty"`
	IneBackImage  []byte                    `json:"ineBackImage,omitempty"`
	Payment       Payment                   `json:"payment"`
	CompletedAt   time.Time                 `json:"completedAt"`
}

// NewSnapshot copies the completed enrollment of a profile.
func NewSnapshot(folio, profileID string, platform Platform, e Enrollment, completedAt time.Time) EnrollmentSnapshot {
	c := e.Clone()
	snap := EnrollmentSnapshot{
		Folio:         folio,
		ProfileID:     profileID,
		Platform:      platform,
		Fields:        c.Data.Fields,
		IneFrontImage: c.Data.IneFrontImage,
		IneBackImage:  c.Data.IneBackImage,
		CompletedAt:   completedAt,
	}
	if c.Payment != nil {
		snap.Payment = *c.Payment
	}
	return snap
}
