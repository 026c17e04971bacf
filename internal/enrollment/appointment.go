package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/genai"
)

// AppointmentLayout is the DD/MM/YYYY HH:mm layout used for scheduled visits.
const AppointmentLayout = "02/01/2006 15:04"

const schedulerPrompt = `Dada la fecha y hora actual: "%s" (%s), convierte la siguiente solicitud del usuario a un formato de fecha y hora estructurado. La solicitud es: "%s".
Responde únicamente con un objeto JSON: {"dateTime": "DD/MM/YYYY HH:mm"}.
Ejemplos:
- "mañana a las 9:30" -> {"dateTime": "11/06/2025 09:30"} (si hoy es 10/06/2025)
- "el jueves a las 9" -> {"dateTime": "12/06/2025 09:00"} (si hoy es martes 10/06/2025)
- "hoy a las 5 pm" -> {"dateTime": "10/06/2025 17:00"}
Si no puedes determinar una fecha y hora claras, responde: {"dateTime": null}`

var (
	spanishWeekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}
	spanishMonths   = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"}
)

// Appointment is a resolved visit time.
type Appointment struct {
	At time.Time
}

// DateTime formats the appointment as DD/MM/YYYY HH:mm.
func (a Appointment) DateTime() string {
	return a.At.Format(AppointmentLayout)
}

// AppointmentParser resolves a free-text visit request relative to now.
// A nil appointment with a nil error means the request was not resolvable.
type AppointmentParser interface {
	Parse(ctx context.Context, request string, now time.Time) (*Appointment, error)
}

// Scheduler implements AppointmentParser with an inference call.
type Scheduler struct {
	client genai.ClientInterface
	loc    *time.Location
}

var _ AppointmentParser = (*Scheduler)(nil)

// NewScheduler creates a scheduler that resolves times in loc.
func NewScheduler(client genai.ClientInterface, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{client: client, loc: loc}
}

// Parse asks the model to resolve request against now. Replies that are null,
// malformed, or earlier than now yield a nil appointment.
func (s *Scheduler) Parse(ctx context.Context, request string, now time.Time) (*Appointment, error) {
	now = now.In(s.loc)
	prompt := fmt.Sprintf(schedulerPrompt, spanishDateTime(now), now.Format(AppointmentLayout), request)
	reply, err := s.client.GeneratePrompt(ctx, "", prompt)
	if err != nil {
		slog.Error("Scheduler.Parse: inference failed", "error", err)
		return nil, fmt.Errorf("parse appointment: %w", err)
	}
	appt, err := s.parseReply(reply, now)
	if err != nil {
		slog.Warn("Scheduler.Parse: rejected reply", "error", err, "reply", reply)
		return nil, nil
	}
	if appt == nil {
		slog.Debug("Scheduler.Parse: request not resolvable", "request", request)
	}
	return appt, nil
}

func (s *Scheduler) parseReply(reply string, now time.Time) (*Appointment, error) {
	obj, err := decodeObject(reply)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(obj, "dateTime"); err != nil {
		return nil, err
	}
	if isNull(obj["dateTime"]) {
		return nil, nil
	}
	var raw string
	if err := json.Unmarshal(obj["dateTime"], &raw); err != nil {
		return nil, malformed("dateTime is not a string")
	}
	at, err := time.ParseInLocation(AppointmentLayout, raw, s.loc)
	if err != nil {
		return nil, malformed("dateTime %q: %v", raw, err)
	}
	if at.Before(now.Truncate(time.Minute)) {
		return nil, malformed("dateTime %q is in the past", raw)
	}
	return &Appointment{At: at}, nil
}

// spanishDateTime renders now the way a Mexican Spanish speaker would say it,
// e.g. "martes, 10 de junio de 2025, 10:00".
func spanishDateTime(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s de %d, %s",
		spanishWeekdays[t.Weekday()], t.Day(), spanishMonths[t.Month()-1], t.Year(), t.Format("15:04"))
}
