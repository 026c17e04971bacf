package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/EnrollPipe/internal/models"
)

var operatorLabels = map[models.CanonicalField]string{
	models.FieldFullName:          "Nombre",
	models.FieldBirthDate:         "Fecha de nacimiento",
	models.FieldCURP:              "CURP",
	models.FieldEmail:             "Correo",
	models.FieldPhone:             "Teléfono",
	models.FieldEducationLevel:    "Último grado de estudios",
	models.FieldPriorSchool:       "Escuela de procedencia",
	models.FieldEmergencyContact1: "Contacto de emergencia 1",
	models.FieldEmergencyContact2: "Contacto de emergencia 2",
	models.FieldEnrollmentLevel:   "Nivel de inscripción",
}

var paymentLabels = map[models.PaymentMethod]string{
	models.PaymentTransfer: "Depósito / transferencia",
	models.PaymentCard:     "Tarjeta",
	models.PaymentCashDesk: "Pago en caja",
}

// Summary renders the operator text for a completed enrollment. Times are shown in loc.
func Summary(snap models.EnrollmentSnapshot, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	b.WriteString("📋 Nueva inscripción completada\n")
	fmt.Fprintf(&b, "Folio: %s\n", snap.Folio)
	fmt.Fprintf(&b, "Plataforma: %s (%s)\n", snap.Platform, snap.ProfileID)
	fmt.Fprintf(&b, "Fecha: %s\n\n", snap.CompletedAt.In(loc).Format("02/01/2006 15:04"))
	for _, f := range models.CanonicalFields {
		v := strings.TrimSpace(snap.Fields[f])
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(&b, "%s: %s\n", operatorLabels[f], v)
	}
	b.WriteString("\n")
	method := paymentLabels[snap.Payment.Method]
	if method == "" {
		method = string(snap.Payment.Method)
	}
	fmt.Fprintf(&b, "Pago: %s\n", method)
	switch {
	case snap.Payment.ScheduledAt != "":
		fmt.Fprintf(&b, "Cita en caja: %s", snap.Payment.ScheduledAt)
	case snap.Payment.ReceivedAt != nil:
		fmt.Fprintf(&b, "Comprobante recibido: %s", snap.Payment.ReceivedAt.In(loc).Format("02/01/2006 15:04"))
	default:
		fmt.Fprintf(&b, "Estado del pago: %s", snap.Payment.Status)
	}
	return b.String()
}
