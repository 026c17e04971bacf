package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/EnrollPipe/internal/genai"
	"github.com/BTreeMap/EnrollPipe/internal/models"
)

// Side selects which face of the INE card an image shows.
type Side string

const (
	SideFront Side = "anverso"
	SideBack  Side = "reverso"
)

const frontExtractionPrompt = `Analiza el ANVERSO de esta credencial INE de México y extrae en formato JSON: nombre (solo el/los nombre/s), apellidoPaterno, apellidoMaterno, fechaNacimiento (DD/MM/YYYY), y curp. Si un campo es ilegible, ponle un valor nulo. Responde únicamente con el objeto JSON, sin texto adicional. Ejemplo de salida: {"type": "anverso", "data": {"nombre": "...", "apellidoPaterno": "...", "apellidoMaterno": "...", "fechaNacimiento": "...", "curp": "..."}}`

const backExtractionPrompt = `Analiza el REVERSO de esta credencial INE de México. Extrae en formato JSON únicamente la segunda y tercera línea de la zona de texto inferior (la que empieza con "IDMEX" es la primera linea, esta se ignora). Si una línea es ilegible, ponle un valor nulo. Responde únicamente con el objeto JSON, sin texto adicional. Ejemplo de salida: {"type": "reverso", "data": {"linea2": "...", "linea3": "..."}}`

var (
	frontKeys = []string{"nombre", "apellidoPaterno", "apellidoMaterno", "fechaNacimiento", "curp"}
	backKeys  = []string{"linea2", "linea3"}
)

// FrontFields holds the fields read from the front of the card. Unreadable
// fields are nil.
type FrontFields struct {
	GivenNames      *string `json:"nombre"`
	PaternalSurname *string `json:"apellidoPaterno"`
	MaternalSurname *string `json:"apellidoMaterno"`
	BirthDate       *string `json:"fechaNacimiento"`
	CURP            *string `json:"curp"`
}

// BackFields holds the machine-readable-zone lines read from the back of the card.
type BackFields struct {
	Line2 *string `json:"linea2"`
	Line3 *string `json:"linea3"`
}

// Extraction is the tagged result of reading one side of the card. Exactly one
// of Front and Back is set, matching Side.
type Extraction struct {
	Side  Side
	Front *FrontFields
	Back  *BackFields
}

// IDExtractor reads an INE photo into structured fields.
type IDExtractor interface {
	Extract(ctx context.Context, image models.Image, side Side) (*Extraction, error)
}

// ExtractionService implements IDExtractor with a vision-capable inference call.
type ExtractionService struct {
	client genai.ClientInterface
}

var _ IDExtractor = (*ExtractionService)(nil)

// NewExtractionService creates an extraction service backed by client.
func NewExtractionService(client genai.ClientInterface) *ExtractionService {
	return &ExtractionService{client: client}
}

// Extract sends the image to the model and validates the reply. Any failure,
// including a reply that does not match the expected schema, returns an error;
// callers ask the user for a clearer photo.
func (s *ExtractionService) Extract(ctx context.Context, image models.Image, side Side) (*Extraction, error) {
	prompt := frontExtractionPrompt
	if side == SideBack {
		prompt = backExtractionPrompt
	} else if side != SideFront {
		return nil, fmt.Errorf("unknown card side %q", side)
	}

	reply, err := s.client.GenerateWithImage(ctx, prompt, genai.Image{Data: image.Data, MimeType: image.MimeType})
	if err != nil {
		slog.Error("ExtractionService.Extract: inference failed", "side", side, "error", err)
		return nil, fmt.Errorf("extract %s: %w", side, err)
	}
	ext, err := parseExtraction(reply, side)
	if err != nil {
		slog.Warn("ExtractionService.Extract: rejected reply", "side", side, "error", err)
		return nil, fmt.Errorf("extract %s: %w", side, err)
	}
	slog.Debug("ExtractionService.Extract: extracted", "side", side)
	return ext, nil
}

// parseExtraction validates a reply of the form {"type": side, "data": {...}}.
// The data object must carry every expected key, each a string or null.
func parseExtraction(reply string, side Side) (*Extraction, error) {
	obj, err := decodeObject(reply)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(obj, "type", "data"); err != nil {
		return nil, err
	}
	var tag string
	if err := json.Unmarshal(obj["type"], &tag); err != nil {
		return nil, malformed("type is not a string")
	}
	if Side(tag) != side {
		return nil, malformed("expected type %q, got %q", side, tag)
	}
	data, err := decodeObject(string(obj["data"]))
	if err != nil {
		return nil, err
	}

	keys := frontKeys
	if side == SideBack {
		keys = backKeys
	}
	if err := requireKeys(data, keys...); err != nil {
		return nil, err
	}
	values := make(map[string]*string, len(keys))
	for _, k := range keys {
		v, err := nullableString(data[k])
		if err != nil {
			return nil, err
		}
		values[k] = v
	}

	if side == SideBack {
		return &Extraction{Side: side, Back: &BackFields{
			Line2: values["linea2"],
			Line3: values["linea3"],
		}}, nil
	}
	return &Extraction{Side: side, Front: &FrontFields{
		GivenNames:      values["nombre"],
		PaternalSurname: values["apellidoPaterno"],
		MaternalSurname: values["apellidoMaterno"],
		BirthDate:       values["fechaNacimiento"],
		CURP:            values["curp"],
	}}, nil
}
