package enrollment

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/models"
)

// Field questions, asked one at a time while collecting missing data.
var fieldQuestions = map[models.CanonicalField]string{
	models.FieldFullName:          "¿Cuál es tu nombre completo?",
	models.FieldBirthDate:         "¿Cuál es tu fecha de nacimiento (DD/MM/AAAA)?",
	models.FieldCURP:              "¿Cuál es tu CURP?",
	models.FieldEmail:             "¿Cuál es tu correo electrónico?",
	models.FieldPhone:             "¿Cuál es tu número de teléfono con WhatsApp?",
	models.FieldEducationLevel:    "¿Cuál es tu último grado de estudios terminado?",
	models.FieldPriorSchool:       "¿De qué escuela egresaste?",
	models.FieldEmergencyContact1: "Por favor, dame el nombre y teléfono de tu primer contacto de emergencia.",
	models.FieldEmergencyContact2: "Gracias, ahora el nombre y teléfono de tu segundo contacto de emergencia.",
	models.FieldEnrollmentLevel:   "Finalmente, ¿a qué nivel de estudios te inscribes (Prepa o Licenciatura)? Si es presencial, indica el horario.",
}

// Labels used in the initial checklist.
var fieldLabels = map[models.CanonicalField]string{
	models.FieldFullName:          "Nombre completo",
	models.FieldBirthDate:         "Fecha de nacimiento (DD/MM/AAAA)",
	models.FieldCURP:              "CURP",
	models.FieldEmail:             "Correo electrónico",
	models.FieldPhone:             "Teléfono con WhatsApp",
	models.FieldEducationLevel:    "Último grado de estudios",
	models.FieldPriorSchool:       "Escuela de procedencia",
	models.FieldEmergencyContact1: "Contacto de emergencia 1 (nombre y teléfono)",
	models.FieldEmergencyContact2: "Contacto de emergencia 2 (nombre y teléfono)",
	models.FieldEnrollmentLevel:   "Nivel al que te inscribes (Prepa o Licenciatura) y horario si es presencial",
}

const (
	MsgDatabaseProblem    = "Lo siento, hay un problema con nuestra base de datos."
	MsgProcessing         = "Gracias, estoy procesando tu información..."
	MsgProcessingFailed   = "Hubo un problema procesando tu información. ¿Podrías intentar enviarla de nuevo?"
	MsgAnswerFailed       = "Hubo un problema procesando tu respuesta. ¿Podrías enviarla de nuevo?"
	MsgAllDataReceived    = "¡Perfecto, tengo todos tus datos! Ahora, por favor, envíame una foto clara del FRENTE de tu INE."
	MsgFrontReceived      = "Recibí la foto del frente, validando la información... 🧐"
	MsgFrontUnreadable    = "No pude leer la información de la imagen. ¿Podrías enviar una foto más clara?"
	MsgFrontValid         = "¡Validación exitosa! 👍 Ahora, por favor, envíame la foto del REVERSO."
	MsgBackReceived       = "Recibí la foto del reverso, realizando la última comprobación..."
	MsgBackUnreadable     = "No pude leer la información del reverso. ¿Podrías enviar una foto más clara?"
	MsgInvalidChoice      = "No entendí tu selección. Por favor, elige 1, 2 o 3."
	MsgProofReceived      = "¡He recibido tu comprobante! Gracias, en breve confirmaremos tu pago. ¡Tu inscripción está completa!"
	MsgUnclearDate        = "No pude entender la fecha y hora. ¿Podrías ser más específico?"
	MsgCardNotAvailable   = "Actualmente estamos trabajando en la integración para pagos con tarjeta. Por ahora, ¿te gustaría elegir la opción de depósito/transferencia o pago en caja?"
	MsgExpectText         = "Por ahora necesito que me respondas con un mensaje de texto."
	MsgExpectFront        = "Estoy esperando la foto del FRENTE de tu INE. Por favor, envíala como imagen."
	MsgExpectBack         = "Estoy esperando la foto del REVERSO de tu INE. Por favor, envíala como imagen."
	MsgExpectProof        = "Estoy esperando la foto de tu comprobante de pago. Por favor, envíala como imagen."
	MsgRetryField         = "No pude registrar ese dato."
	MsgValidationFailed   = "No pude completar la validación en este momento. ¿Podrías enviar la foto de nuevo?"
	msgFrontMismatchFmt   = "Hubo una discrepancia: %s. Verifica tus datos o envía una foto más clara."
	msgBackMismatchFmt    = "La información del reverso no coincide: %s. Por favor, envía una foto clara del reverso."
	msgAppointmentSetFmt  = "¡Perfecto! Hemos agendado tu visita para el %s. ¡Tu inscripción está completa!"
	msgAskAppointmentTime = "¿Qué día y hora te gustaría pasar a realizar tu pago para agendar tu visita?"
)

// FieldQuestion returns the question that asks for f.
func FieldQuestion(f models.CanonicalField) string {
	return fieldQuestions[f]
}

// checklistMessage lists every canonical field the user must send.
func checklistMessage() string {
	var b strings.Builder
	b.WriteString("¡Excelente! Para realizar tu trámite de inscripción, por favor mándame tus siguientes datos. ")
	b.WriteString("Puedes escribirlos en un solo mensaje, separados por comas o en diferentes líneas:\n")
	for _, f := range models.CanonicalFields {
		b.WriteString("\n▪️ ")
		b.WriteString(fieldLabels[f])
	}
	return b.String()
}

// askFieldMessage prompts for the first missing field.
func askFieldMessage(f models.CanonicalField) string {
	return "Gracias. " + FieldQuestion(f)
}

func paymentMenuMessage() string {
	return "¡Perfecto, todos tus documentos son correctos! Para finalizar, solo falta el pago. ¿Qué método prefieres?\n" +
		"1. Depósito o Transferencia\n" +
		"2. Pago con Tarjeta\n" +
		"3. Pago en Caja"
}

func transferMessage(acct BankAccount) string {
	return fmt.Sprintf("Estos son los datos para tu depósito o transferencia:\n\n"+
		"Banco: %s\nBeneficiario: %s\nCLABE: %s\nCUENTA: %s\n\n"+
		"Por favor, envíame una foto de tu comprobante de pago cuando lo hayas realizado.",
		acct.Bank, acct.Beneficiary, acct.CLABE, acct.Account)
}

func cashDeskMessage(hours []string) string {
	var b strings.Builder
	b.WriteString("Puedes realizar tu pago directamente en la caja de nuestra institución. Nuestro horario es:\n")
	for _, h := range hours {
		b.WriteString("\n- ")
		b.WriteString(h)
	}
	b.WriteString("\n\n")
	b.WriteString(msgAskAppointmentTime)
	return b.String()
}

func frontMismatchMessage(reason string) string {
	return fmt.Sprintf(msgFrontMismatchFmt, reason)
}

func backMismatchMessage(reason string) string {
	return fmt.Sprintf(msgBackMismatchFmt, reason)
}

func appointmentSetMessage(dateTime string) string {
	return fmt.Sprintf(msgAppointmentSetFmt, dateTime)
}
