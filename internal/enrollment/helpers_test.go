package enrollment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/genai"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

var errServiceDown = errors.New("service down")

// stubClient is a genai.ClientInterface that returns a fixed reply.
type stubClient struct {
	reply      string
	err        error
	lastPrompt string
	lastImage  genai.Image
}

func (c *stubClient) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.lastPrompt = userPrompt
	return c.reply, c.err
}

func (c *stubClient) GenerateWithImage(ctx context.Context, prompt string, image genai.Image) (string, error) {
	c.lastPrompt = prompt
	c.lastImage = image
	return c.reply, c.err
}

func (c *stubClient) GenerateWithTools(ctx context.Context, systemPrompt string, history []genai.Message, tools []genai.Tool, exec genai.ToolExecutor) (string, error) {
	return c.reply, c.err
}

type memStore struct {
	mu    sync.Mutex
	saves []models.Enrollment
	err   error
}

func (s *memStore) SaveEnrollment(ctx context.Context, profileID string, e models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, e.Clone())
	return nil
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) SendText(ctx context.Context, platform models.Platform, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type stubExtractor struct {
	front *Extraction
	back  *Extraction
	err   error
	calls int
}

func (e *stubExtractor) Extract(ctx context.Context, image models.Image, side Side) (*Extraction, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if side == SideBack {
		return e.back, nil
	}
	return e.front, nil
}

type stubAssistant struct {
	fn    func(text string, prior models.InscriptionData) (*Analysis, error)
	texts []string
}

func (a *stubAssistant) Analyze(ctx context.Context, text string, prior models.InscriptionData) (*Analysis, error) {
	a.texts = append(a.texts, text)
	return a.fn(text, prior)
}

type stubScheduler struct {
	appt *Appointment
	err  error
}

func (s *stubScheduler) Parse(ctx context.Context, request string, now time.Time) (*Appointment, error) {
	return s.appt, s.err
}

type recordingNotifier struct {
	snaps []models.EnrollmentSnapshot
	err   error
}

func (n *recordingNotifier) NotifyCompletion(ctx context.Context, snap models.EnrollmentSnapshot) error {
	n.snaps = append(n.snaps, snap)
	return n.err
}

func strPtr(s string) *string { return &s }

func fullData() models.InscriptionData {
	return models.InscriptionData{Fields: map[models.CanonicalField]string{
		models.FieldFullName:          "Juan Pérez García",
		models.FieldBirthDate:         "01/01/2000",
		models.FieldCURP:              "PEGJ000101HCHRRN09",
		models.FieldEmail:             "juan@example.com",
		models.FieldPhone:             "6141234567",
		models.FieldEducationLevel:    "Preparatoria",
		models.FieldPriorSchool:       "CBTIS 122",
		models.FieldEmergencyContact1: "María García 6149876543",
		models.FieldEmergencyContact2: "Pedro Pérez 6145551234",
		models.FieldEnrollmentLevel:   "Licenciatura",
	}}
}

func matchingFront() *Extraction {
	return &Extraction{Side: SideFront, Front: &FrontFields{
		GivenNames:      strPtr("JUAN"),
		PaternalSurname: strPtr("PEREZ"),
		MaternalSurname: strPtr("GARCIA"),
		BirthDate:       strPtr("01/01/2000"),
		CURP:            strPtr("PEGJ000101HCHRRN09"),
	}}
}

func matchingBack() *Extraction {
	return &Extraction{Side: SideBack, Back: &BackFields{
		Line2: strPtr("0001011H3012315MEX<01<<12345<1"),
		Line3: strPtr("PEREZ<GARCIA<<JUAN<<<<<<<<<<<<"),
	}}
}

func profileAt(status models.Status, data models.InscriptionData) *models.Profile {
	p := models.NewProfile("5216140000000", models.PlatformWhatsApp, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	p.Status = status
	p.Data = data
	return p
}

func textMsg(text string) models.InboundMessage {
	return models.InboundMessage{Platform: models.PlatformWhatsApp, SenderID: "5216140000000", Text: text}
}

func imageMsg() models.InboundMessage {
	return models.InboundMessage{
		Platform: models.PlatformWhatsApp,
		SenderID: "5216140000000",
		Image:    &models.Image{Data: []byte{0xff, 0xd8, 0xff}, MimeType: "image/jpeg"},
	}
}
