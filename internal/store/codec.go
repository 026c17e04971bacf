package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/security"
)

// enrollmentRow is the column form of models.Enrollment. payment is nil until a
// method is chosen.
type enrollmentRow struct {
	status  string
	data    string
	payment *string
}

// encodeEnrollment seals the images in e and renders it as column values.
func encodeEnrollment(sealer security.Sealer, e models.Enrollment) (enrollmentRow, error) {
	c := e.Clone()
	var err error
	if c.Data.IneFrontImage, err = sealBlob(sealer, c.Data.IneFrontImage); err != nil {
		return enrollmentRow{}, err
	}
	if c.Data.IneBackImage, err = sealBlob(sealer, c.Data.IneBackImage); err != nil {
		return enrollmentRow{}, err
	}
	data, err := json.Marshal(c.Data)
	if err != nil {
		return enrollmentRow{}, fmt.Errorf("encode inscription data: %w", err)
	}
	row := enrollmentRow{status: c.Status.String(), data: string(data)}
	if c.Payment != nil {
		if c.Payment.ProofImage, err = sealBlob(sealer, c.Payment.ProofImage); err != nil {
			return enrollmentRow{}, err
		}
		payment, err := json.Marshal(c.Payment)
		if err != nil {
			return enrollmentRow{}, fmt.Errorf("encode payment: %w", err)
		}
		ps := string(payment)
		row.payment = &ps
	}
	return row, nil
}

// decodeEnrollment is the inverse of encodeEnrollment. Unknown status tags
// decode as not_started.
func decodeEnrollment(sealer security.Sealer, status, data string, payment *string) (models.Enrollment, error) {
	e := models.Enrollment{
		Status: models.ParseStatus(status),
		Data:   models.InscriptionData{Fields: map[models.CanonicalField]string{}},
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return e, fmt.Errorf("decode inscription data: %w", err)
		}
	}
	var err error
	if e.Data.IneFrontImage, err = openBlob(sealer, e.Data.IneFrontImage); err != nil {
		return e, err
	}
	if e.Data.IneBackImage, err = openBlob(sealer, e.Data.IneBackImage); err != nil {
		return e, err
	}
	if payment != nil && *payment != "" {
		var p models.Payment
		if err := json.Unmarshal([]byte(*payment), &p); err != nil {
			return e, fmt.Errorf("decode payment: %w", err)
		}
		if p.ProofImage, err = openBlob(sealer, p.ProofImage); err != nil {
			return e, err
		}
		e.Payment = &p
	}
	return e, nil
}

func encodeHistory(history []models.Turn) (string, error) {
	if history == nil {
		history = []models.Turn{}
	}
	b, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

func decodeHistory(raw string) ([]models.Turn, error) {
	if raw == "" {
		return nil, nil
	}
	var history []models.Turn
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

func sealBlob(sealer security.Sealer, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	sealed, err := sealer.Seal(b)
	if err != nil {
		return nil, fmt.Errorf("seal image: %w", err)
	}
	return sealed, nil
}

func openBlob(sealer security.Sealer, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	opened, err := sealer.Open(b)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return opened, nil
}
