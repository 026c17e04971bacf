package enrollment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/EnrollPipe/internal/models"
)

func TestValidateFront_MissingMaternalSurname(t *testing.T) {
	declared := models.InscriptionData{Fields: map[models.CanonicalField]string{
		models.FieldFullName:  "Juan Pérez",
		models.FieldCURP:      "XXXX",
		models.FieldBirthDate: "01/01/2000",
	}}
	ext := &Extraction{Side: SideFront, Front: &FrontFields{
		GivenNames:      strPtr("Juan"),
		PaternalSurname: strPtr("Pérez"),
		MaternalSurname: nil,
		BirthDate:       strPtr("01/01/2000"),
		CURP:            strPtr("XXXX"),
	}}

	v := ValidateFront(declared, ext)
	assert.True(t, v.Match, v.Reason)
}

func TestValidateFront_OrderAndAccentInsensitive(t *testing.T) {
	declared := fullData()
	declared.Fields[models.FieldFullName] = "perez garcia juan"
	ext := matchingFront()
	ext.Front.BirthDate = strPtr("1/1/2000")

	assert.True(t, ValidateFront(declared, ext).Match)
}

func TestValidateFront_Mismatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *FrontFields)
		reason string
	}{
		{"curp", func(f *FrontFields) { f.CURP = strPtr("OTRA000101HCHRRN09") }, "CURP"},
		{"birth date", func(f *FrontFields) { f.BirthDate = strPtr("02/01/2000") }, "fecha de nacimiento"},
		{"name", func(f *FrontFields) { f.GivenNames = strPtr("Pedro") }, "nombre"},
		{"unreadable curp", func(f *FrontFields) { f.CURP = nil }, "CURP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := matchingFront()
			tt.mutate(ext.Front)
			v := ValidateFront(fullData(), ext)
			assert.False(t, v.Match)
			assert.Contains(t, v.Reason, tt.reason)
			assert.False(t, v.Unavailable())
		})
	}
}

func TestValidateFront_Idempotent(t *testing.T) {
	ext := matchingFront()
	ext.Front.CURP = strPtr("WRONG")
	first := ValidateFront(fullData(), ext)
	second := ValidateFront(fullData(), ext)
	assert.Equal(t, first, second)
}

func TestValidateBack(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		line3    string
		match    bool
	}{
		{"surnames then given name", "Juan Pérez García", "PEREZ<GARCIA<<JUAN", true},
		{"trailing padding", "Juan Pérez García", "PEREZ<GARCIA<<JUAN<<<<<<<<", true},
		{"lowercase with spaces", "Juan Pérez García", " perez<garcia<<juan ", true},
		{"two given names", "Juan Carlos Pérez García", "PEREZ<GARCIA<<JUAN<CARLOS", true},
		{"single surname declared", "Juan Pérez", "PEREZ<<JUAN", true},
		{"surnames swapped", "Juan Pérez García", "GARCIA<PEREZ<<JUAN", false},
		{"given name in surname slot", "Juan Pérez García", "JUAN<PEREZ<<GARCIA", false},
		{"given name as second surname", "Juan Pérez García", "GARCIA<JUAN<<PEREZ", false},
		{"given names reordered", "Juan Carlos Pérez García", "PEREZ<GARCIA<<CARLOS<JUAN", false},
		{"different surname", "Juan Pérez García", "LOPEZ<GARCIA<<JUAN", false},
		{"second surname missing from declared name", "Juan Pérez", "PEREZ<GARCIA<<JUAN", false},
		{"no separators", "Juan Pérez García", "PEREZGARCIAJUAN", false},
		{"single declared token", "Juan", "JUAN<<JUAN", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			declared := models.InscriptionData{Fields: map[models.CanonicalField]string{
				models.FieldFullName: tt.declared,
			}}
			v := ValidateBack(declared, &Extraction{Side: SideBack, Back: &BackFields{Line3: strPtr(tt.line3)}})
			assert.Equal(t, tt.match, v.Match, "%s vs %q: %s", tt.declared, tt.line3, v.Reason)
			if !tt.match {
				assert.NotEmpty(t, v.Reason)
				assert.False(t, v.Unavailable())
			}
		})
	}
}

func TestValidate_WrongSideIsUnavailable(t *testing.T) {
	assert.True(t, ValidateFront(fullData(), matchingBack()).Unavailable())
	assert.True(t, ValidateBack(fullData(), matchingFront()).Unavailable())
	assert.True(t, ValidateBack(fullData(), nil).Unavailable())
}

func TestExtractionService_Front(t *testing.T) {
	client := &stubClient{reply: "```json\n" + `{"type": "anverso", "data": {"nombre": "JUAN", "apellidoPaterno": "PEREZ", "apellidoMaterno": null, "fechaNacimiento": "01/01/2000", "curp": "PEGJ000101HCHRRN09"}}` + "\n```"}
	svc := NewExtractionService(client)

	ext, err := svc.Extract(context.Background(), models.Image{Data: []byte{1}, MimeType: "image/jpeg"}, SideFront)
	require.NoError(t, err)
	require.NotNil(t, ext.Front)
	assert.Equal(t, "JUAN", *ext.Front.GivenNames)
	assert.Nil(t, ext.Front.MaternalSurname)
	assert.Equal(t, "image/jpeg", client.lastImage.MimeType)
	assert.Contains(t, client.lastPrompt, "ANVERSO")
}

func TestExtractionService_RejectsBadReplies(t *testing.T) {
	tests := []struct {
		name  string
		side  Side
		reply string
	}{
		{"wrong side tag", SideFront, `{"type": "reverso", "data": {"linea2": "a", "linea3": "b"}}`},
		{"missing key", SideBack, `{"type": "reverso", "data": {"linea3": "b"}}`},
		{"number value", SideBack, `{"type": "reverso", "data": {"linea2": 2, "linea3": "b"}}`},
		{"not json", SideFront, `lo siento, no puedo leer la imagen`},
		{"extra top-level key", SideBack, `{"type": "reverso", "data": {"linea2": "a", "linea3": "b"}, "note": "x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewExtractionService(&stubClient{reply: tt.reply})
			_, err := svc.Extract(context.Background(), models.Image{Data: []byte{1}}, tt.side)
			assert.ErrorIs(t, err, ErrMalformedReply)
		})
	}
}

func TestExtractionService_ServiceError(t *testing.T) {
	svc := NewExtractionService(&stubClient{err: errServiceDown})
	_, err := svc.Extract(context.Background(), models.Image{Data: []byte{1}}, SideBack)
	assert.ErrorIs(t, err, errServiceDown)
}

func TestDataAssistant_AllFieldsPresent(t *testing.T) {
	client := &stubClient{reply: `{"action": "validate_data", "data": {
		"nombreCompleto": "Juan Pérez García", "fechaNacimiento": "01/01/2000", "curp": "PEGJ000101HCHRRN09",
		"email": "juan@example.com", "telefono": "6141234567", "nivelEducacion": "Preparatoria",
		"escuelaProcedencia": "CBTIS 122", "contactoEmergencia1": "María 614", "contactoEmergencia2": "Pedro 614",
		"nivelInscripcion": "Licenciatura"}, "missing": []}`}
	a := NewDataExtractionAssistant(client)

	analysis, err := a.Analyze(context.Background(), "todo", models.InscriptionData{})
	require.NoError(t, err)
	assert.Empty(t, analysis.Missing)
	assert.Len(t, analysis.Data, len(models.CanonicalFields))
}

func TestDataAssistant_MissingFieldsCanonicalOrder(t *testing.T) {
	client := &stubClient{reply: `{"action": "validate_data", "data": {"nombreCompleto": "Juan", "email": ""}, "missing": ["telefono", "curp"]}`}
	a := NewDataExtractionAssistant(client)

	prior := models.InscriptionData{Fields: map[models.CanonicalField]string{models.FieldPhone: "614"}}
	analysis, err := a.Analyze(context.Background(), "Juan", prior)
	require.NoError(t, err)

	assert.Equal(t, map[models.CanonicalField]string{models.FieldFullName: "Juan"}, analysis.Data)
	require.NotEmpty(t, analysis.Missing)
	assert.Equal(t, models.FieldBirthDate, analysis.Missing[0])
	assert.Contains(t, analysis.Missing, models.FieldPhone, "reported missing and not extracted")
	assert.Contains(t, analysis.Missing, models.FieldEmail)
	assert.NotContains(t, analysis.Missing, models.FieldFullName)
}

func TestDataAssistant_StrictSchema(t *testing.T) {
	replies := []string{
		`{"action": "other", "data": {}, "missing": []}`,
		`{"action": "validate_data", "data": {"edad": "20"}, "missing": []}`,
		`{"action": "validate_data", "data": {}, "missing": ["edad"]}`,
		`{"action": "validate_data", "data": {"email": 5}, "missing": []}`,
		`{"action": "validate_data", "data": {}}`,
	}
	for _, reply := range replies {
		a := NewDataExtractionAssistant(&stubClient{reply: reply})
		_, err := a.Analyze(context.Background(), "x", models.InscriptionData{})
		assert.ErrorIs(t, err, ErrMalformedReply, reply)
	}
}

func TestScheduler_Tomorrow(t *testing.T) {
	loc := time.FixedZone("MST", -6*3600)
	client := &stubClient{reply: `{"dateTime": "11/06/2025 09:30"}`}
	s := NewScheduler(client, loc)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, loc)

	appt, err := s.Parse(context.Background(), "mañana a las 9:30", now)
	require.NoError(t, err)
	require.NotNil(t, appt)
	assert.Equal(t, "11/06/2025 09:30", appt.DateTime())
	assert.Contains(t, client.lastPrompt, "10/06/2025 10:00")
	assert.Contains(t, client.lastPrompt, "martes, 10 de junio de 2025")
}

func TestScheduler_Unresolvable(t *testing.T) {
	loc := time.FixedZone("MST", -6*3600)
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, loc)
	for _, reply := range []string{
		`{"dateTime": null}`,
		`{"dateTime": "09/06/2025 09:30"}`,
		`{"dateTime": "mañana"}`,
		`no entiendo`,
	} {
		s := NewScheduler(&stubClient{reply: reply}, loc)
		appt, err := s.Parse(context.Background(), "algún día", now)
		assert.NoError(t, err, reply)
		assert.Nil(t, appt, reply)
	}
}

func TestScheduler_ServiceError(t *testing.T) {
	s := NewScheduler(&stubClient{err: errServiceDown}, time.UTC)
	_, err := s.Parse(context.Background(), "mañana", time.Now())
	assert.True(t, errors.Is(err, errServiceDown))
}

func TestParsePaymentChoice(t *testing.T) {
	tests := []struct {
		in     string
		method models.PaymentMethod
		ok     bool
	}{
		{"1", models.PaymentTransfer, true},
		{"Prefiero hacer un depósito", models.PaymentTransfer, true},
		{"2", models.PaymentCard, true},
		{"con tarjeta", models.PaymentCard, true},
		{"3", models.PaymentCashDesk, true},
		{"pago en CAJA", models.PaymentCashDesk, true},
		{"opción 3.", models.PaymentCashDesk, true},
		{" 2) ", models.PaymentCard, true},
		{"efectivo por favor", models.PaymentCashDesk, true},
		{"no sé", "", false},
		{"13", "", false},
		{"no quiero transferencia, mejor en caja", "", false},
		{"pago 1 vez en caja", "", false},
		{"tarjeta o efectivo", "", false},
	}
	for _, tt := range tests {
		method, ok := ParsePaymentChoice(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.method, method, tt.in)
	}
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `bank_account:
  bank: BBVA
  beneficiary: ESCUELA
  clabe: "0123"
  account: "4567"
time_zone: UTC
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "BBVA", s.Bank.Bank)
	assert.Equal(t, DefaultSettings().OfficeHours, s.OfficeHours)
	loc, err := s.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadSettings_EmptyPathUsesDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestChecklistListsEveryField(t *testing.T) {
	msg := checklistMessage()
	for _, f := range models.CanonicalFields {
		assert.True(t, strings.Contains(msg, fieldLabels[f]), f)
		assert.NotEmpty(t, FieldQuestion(f), f)
	}
}
