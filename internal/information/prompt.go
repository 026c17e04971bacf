package information

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const noKnowledge = "No hay información disponible en los documentos."

const systemPromptTemplate = `Actúa como un asesor educativo virtual de la Universidad en Línea América Latina (ULAL). Eres profesional, cálido, empático y motivador. Tu objetivo es que los usuarios se sientan cómodos y bien informados.

CONOCIMIENTO BASE (información interna de la universidad):
---
%s
---

REGLAS:
1. Si la respuesta está en el conocimiento base, responde usando únicamente esa información.
2. Si no está (o requiere datos externos como salarios, mercado laboral o comparativas), llama a la herramienta search_web con una consulta clara. No le pidas al usuario que busque por su cuenta.
3. Si usaste search_web, basa tu respuesta en el resultado y cita siempre la fuente.
4. Usa el historial para personalizar la conversación y no repetir información.
5. Dosifica la información: ante preguntas generales da una respuesta breve, usa viñetas y pregunta qué le interesa más (costos, duración, etc.).
6. Después de resolver la duda, invita amablemente a comenzar la inscripción: "Si te sientes listo, solo dime 'quiero inscribirme'."
7. Usa algunos emojis, sin abusar.

RESTRICCIONES:
- Nunca inventes datos. Si no lo sabes y no lo puedes buscar, sé honesto.
- Responde siempre en español mexicano, con tono amigable y natural.
- Las respuestas no pueden superar los 800 caracteres.`

// SystemPrompt builds the advisor instruction around the knowledge base text.
func SystemPrompt(knowledge string) string {
	knowledge = strings.TrimSpace(knowledge)
	if knowledge == "" {
		knowledge = noKnowledge
	}
	return fmt.Sprintf(systemPromptTemplate, knowledge)
}

// LoadKnowledge reads the knowledge base from a text file, or from every .txt
// and .md file in a directory. An empty path yields an empty knowledge base.
func LoadKnowledge(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("knowledge base: %w", err)
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("knowledge base: %w", err)
		}
		return string(data), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("knowledge base: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".txt" || ext == ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(path, name))
		if err != nil {
			return "", fmt.Errorf("knowledge base %s: %w", name, err)
		}
		fmt.Fprintf(&b, "\n--- INICIO DOC: %s ---\n%s\n--- FIN DOC: %s ---\n", name, strings.TrimSpace(string(data)), name)
	}
	return b.String(), nil
}
