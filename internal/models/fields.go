package models

// CanonicalField names one of the ten personal-data fields collected during enrollment.
// The string value is the key used in stored enrollment data.
type CanonicalField string

const (
	FieldFullName          CanonicalField = "nombreCompleto"
	FieldBirthDate         CanonicalField = "fechaNacimiento"
	FieldCURP              CanonicalField = "curp"
	FieldEmail             CanonicalField = "email"
	FieldPhone             CanonicalField = "telefono"
	FieldEducationLevel    CanonicalField = "nivelEducacion"
	FieldPriorSchool       CanonicalField = "escuelaProcedencia"
	FieldEmergencyContact1 CanonicalField = "contactoEmergencia1"
	FieldEmergencyContact2 CanonicalField = "contactoEmergencia2"
	FieldEnrollmentLevel   CanonicalField = "nivelInscripcion"
)

// CanonicalFields lists every canonical field in collection order.
var CanonicalFields = []CanonicalField{
	FieldFullName,
	FieldBirthDate,
	FieldCURP,
	FieldEmail,
	FieldPhone,
	FieldEducationLevel,
	FieldPriorSchool,
	FieldEmergencyContact1,
	FieldEmergencyContact2,
	FieldEnrollmentLevel,
}

var fieldIndex = func() map[CanonicalField]int {
	m := make(map[CanonicalField]int, len(CanonicalFields))
	for i, f := range CanonicalFields {
		m[f] = i
	}
	return m
}()

// IsValid reports whether f is one of the canonical fields.
func (f CanonicalField) IsValid() bool {
	_, ok := fieldIndex[f]
	return ok
}

// Index returns the position of f in collection order, or -1 if f is not canonical.
func (f CanonicalField) Index() int {
	if i, ok := fieldIndex[f]; ok {
		return i
	}
	return -1
}

// OrderFields returns the canonical fields contained in fields, deduplicated and in
// collection order. Non-canonical entries are dropped.
func OrderFields(fields []CanonicalField) []CanonicalField {
	seen := make(map[CanonicalField]bool, len(fields))
	for _, f := range fields {
		if f.IsValid() {
			seen[f] = true
		}
	}
	out := make([]CanonicalField, 0, len(seen))
	for _, f := range CanonicalFields {
		if seen[f] {
			out = append(out, f)
		}
	}
	return out
}
