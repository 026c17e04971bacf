package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/genai"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

const dataAssistantSystemPrompt = `Eres un asistente de inscripciones universitarias. Tu única tarea es extraer datos personales de un texto escrito por un aspirante.
Campos posibles: nombreCompleto, fechaNacimiento (DD/MM/AAAA), curp, email, telefono, nivelEducacion, escuelaProcedencia, contactoEmergencia1 (nombre y teléfono), contactoEmergencia2 (nombre y teléfono), nivelInscripcion (Prepa o Licenciatura y horario si es presencial).
Reglas:
- Incluye en "data" solo los campos que aparecen claramente en el texto. No inventes datos.
- Incluye en "missing" los campos que no aparecen en el texto o cuyo valor no es válido.
- Usa exactamente los nombres de campo listados.
- Responde solo con un JSON: {"action": "validate_data", "data": {...}, "missing": [...]}`

const dataAssistantPrompt = `Analiza este bloque de texto y extrae los campos: nombreCompleto, fechaNacimiento, curp, email, telefono, nivelEducacion, escuelaProcedencia, contactoEmergencia1, contactoEmergencia2, nivelInscripcion. Responde solo con un JSON: {"action": "validate_data", "data": {...}, "missing": [...]}. El texto es: "%s"`

// Analysis is the result of reading a block of user text.
type Analysis struct {
	// Data holds only the fields found in the analysed text.
	Data map[models.CanonicalField]string
	// Missing lists, in canonical order, the fields still needed after merging Data.
	Missing []models.CanonicalField
}

// DataAssistant reads free-form text into canonical fields.
type DataAssistant interface {
	Analyze(ctx context.Context, text string, prior models.InscriptionData) (*Analysis, error)
}

// DataExtractionAssistant implements DataAssistant with an inference call.
type DataExtractionAssistant struct {
	client genai.ClientInterface
}

var _ DataAssistant = (*DataExtractionAssistant)(nil)

// NewDataExtractionAssistant creates an assistant backed by client.
func NewDataExtractionAssistant(client genai.ClientInterface) *DataExtractionAssistant {
	return &DataExtractionAssistant{client: client}
}

// Analyze extracts fields from text. prior is the data collected so far and is
// used to compute what is still missing.
func (a *DataExtractionAssistant) Analyze(ctx context.Context, text string, prior models.InscriptionData) (*Analysis, error) {
	prompt := fmt.Sprintf(dataAssistantPrompt, strings.ReplaceAll(text, `"`, `'`))
	reply, err := a.client.GeneratePrompt(ctx, dataAssistantSystemPrompt, prompt)
	if err != nil {
		slog.Error("DataExtractionAssistant.Analyze: inference failed", "error", err)
		return nil, fmt.Errorf("analyze data: %w", err)
	}
	data, reported, err := parseAnalysis(reply)
	if err != nil {
		slog.Warn("DataExtractionAssistant.Analyze: rejected reply", "error", err)
		return nil, fmt.Errorf("analyze data: %w", err)
	}

	merged := prior.Merge(data)
	missing := merged.Missing()
	for _, f := range reported {
		if _, extracted := data[f]; !extracted {
			missing = append(missing, f)
		}
	}
	analysis := &Analysis{Data: data, Missing: models.OrderFields(missing)}
	slog.Debug("DataExtractionAssistant.Analyze: analyzed", "extracted", len(data), "missing", len(analysis.Missing))
	return analysis, nil
}

// parseAnalysis validates {"action":"validate_data","data":{...},"missing":[...]}.
func parseAnalysis(reply string) (map[models.CanonicalField]string, []models.CanonicalField, error) {
	obj, err := decodeObject(reply)
	if err != nil {
		return nil, nil, err
	}
	if err := requireKeys(obj, "action", "data", "missing"); err != nil {
		return nil, nil, err
	}
	var action string
	if err := json.Unmarshal(obj["action"], &action); err != nil || action != "validate_data" {
		return nil, nil, malformed("unexpected action %s", string(obj["action"]))
	}

	data := make(map[models.CanonicalField]string)
	if !isNull(obj["data"]) {
		rawData, err := decodeObject(string(obj["data"]))
		if err != nil {
			return nil, nil, err
		}
		for k, raw := range rawData {
			f := models.CanonicalField(k)
			if !f.IsValid() {
				return nil, nil, malformed("unknown field %q in data", k)
			}
			v, err := nullableString(raw)
			if err != nil {
				return nil, nil, err
			}
			if v != nil {
				data[f] = *v
			}
		}
	}

	var reported []models.CanonicalField
	if !isNull(obj["missing"]) {
		var names []string
		if err := json.Unmarshal(obj["missing"], &names); err != nil {
			return nil, nil, malformed("missing is not a list of strings")
		}
		for _, n := range names {
			f := models.CanonicalField(strings.TrimSpace(n))
			if !f.IsValid() {
				return nil, nil, malformed("unknown field %q in missing", n)
			}
			reported = append(reported, f)
		}
	}
	return data, reported, nil
}

// accumulatedText renders collected data as "field: value" lines in canonical order.
func accumulatedText(d models.InscriptionData) string {
	var lines []string
	for _, f := range models.CanonicalFields {
		if v := d.Get(f); v != "" {
			lines = append(lines, string(f)+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}
