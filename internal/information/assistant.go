// Package information answers prospective students' questions with an
// inference model, a knowledge base and an optional web search tool, and hands
// users who ask to enroll over to the enrollment machine.
package information

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/EnrollPipe/internal/enrollment"
	"github.com/BTreeMap/EnrollPipe/internal/genai"
	"github.com/BTreeMap/EnrollPipe/internal/metrics"
	"github.com/BTreeMap/EnrollPipe/internal/models"
	"github.com/BTreeMap/EnrollPipe/internal/util"
)

// MaxHistoryTurns bounds the stored conversation.
const MaxHistoryTurns = 40

// SearchToolName is the tool the model calls for information outside the
// knowledge base.
const SearchToolName = "search_web"

// User-facing messages.
const (
	MsgFailure        = "Lo siento, tuve un problema al procesar tu solicitud."
	MsgTextOnly       = "Por ahora solo puedo responder mensajes de texto. ¿En qué te puedo ayudar?"
	MsgSearching      = "Un momento, estoy buscando información sobre %q..."
	MsgSearchDisabled = "Lo siento, la función de búsqueda no está configurada en este momento."
	MsgSearchFailed   = "Lo siento, ocurrió un error al intentar buscar en la web."
)

// handoffKeywords start the enrollment when found anywhere in a message.
var handoffKeywords = []string{"inscribirme", "inscripción", "inscribir", "registro"}

// WantsEnrollment reports whether text asks to start the enrollment. Matching
// ignores case and accents.
func WantsEnrollment(text string) bool {
	folded := util.FoldText(text)
	if folded == "" {
		return false
	}
	for _, kw := range handoffKeywords {
		if strings.Contains(folded, util.FoldText(kw)) {
			return true
		}
	}
	return false
}

// HistoryStore persists the assistant's conversation.
type HistoryStore interface {
	SaveHistory(ctx context.Context, id string, history []models.Turn) error
}

// Handoff starts the enrollment flow for a profile.
type Handoff interface {
	Begin(ctx context.Context, p *models.Profile, msg models.InboundMessage) error
}

// Opts holds optional collaborators for an Assistant.
type Opts struct {
	Searcher  Searcher
	Knowledge string
	Metrics   *metrics.Metrics
}

// Option configures an Assistant.
type Option func(*Opts)

// WithSearcher enables the search_web tool.
func WithSearcher(s Searcher) Option {
	return func(o *Opts) { o.Searcher = s }
}

// WithKnowledge sets the knowledge base text embedded in the system prompt.
func WithKnowledge(text string) Option {
	return func(o *Opts) { o.Knowledge = text }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Assistant handles messages from users who are not enrolling.
type Assistant struct {
	llm      genai.ClientInterface
	history  HistoryStore
	sender   enrollment.Sender
	handoff  Handoff
	searcher Searcher
	metrics  *metrics.Metrics
	system   string
}

// NewAssistant answers with llm, stores turns through history and hands
// enrollment requests to handoff.
func NewAssistant(llm genai.ClientInterface, history HistoryStore, sender enrollment.Sender, handoff Handoff, opts ...Option) *Assistant {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Assistant{
		llm:      llm,
		history:  history,
		sender:   sender,
		handoff:  handoff,
		searcher: cfg.Searcher,
		metrics:  cfg.Metrics,
		system:   SystemPrompt(cfg.Knowledge),
	}
}

func (a *Assistant) tools() []genai.Tool {
	return []genai.Tool{{
		Name:        SearchToolName,
		Description: "Busca en la web información actualizada que no se encuentra en la base de conocimiento interna, como perspectivas laborales o comparativas.",
		Params: []genai.ToolParam{{
			Name:        "query",
			Description: "El término o pregunta a buscar en la web.",
			Required:    true,
		}},
	}}
}

// Handle answers one message. Service failures are reported to the user and
// logged; only send failures are returned.
func (a *Assistant) Handle(ctx context.Context, p *models.Profile, msg models.InboundMessage) error {
	text := strings.TrimSpace(msg.Text)

	if p.Status.Kind == models.KindNotStarted && WantsEnrollment(text) {
		slog.Info("Assistant.Handle: enrollment intent detected", "profileID", p.ID)
		return a.handoff.Begin(ctx, p, msg)
	}
	if text == "" {
		return a.sender.SendText(ctx, p.Platform, p.ID, MsgTextOnly)
	}

	history := make([]genai.Message, 0, len(p.History)+1)
	for _, t := range p.History {
		role := genai.RoleUser
		if t.Role == models.TurnAssistant {
			role = genai.RoleAssistant
		}
		history = append(history, genai.Message{Role: role, Text: t.Text})
	}
	history = append(history, genai.Message{Role: genai.RoleUser, Text: text})

	reply, err := a.llm.GenerateWithTools(ctx, a.system, history, a.tools(), a.executor(p))
	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = genai.ErrNoChoicesReturned
	}
	if err != nil {
		a.metrics.IncrementServiceFailure("information")
		slog.Error("Assistant.Handle: generation failed", "profileID", p.ID, "error", err)
		return a.sender.SendText(ctx, p.Platform, p.ID, MsgFailure)
	}
	if err := a.sender.SendText(ctx, p.Platform, p.ID, reply); err != nil {
		return err
	}

	turns := append(append([]models.Turn(nil), p.History...),
		models.Turn{Role: models.TurnUser, Text: text},
		models.Turn{Role: models.TurnAssistant, Text: reply},
	)
	turns = trimHistory(turns)
	if err := a.history.SaveHistory(ctx, p.ID, turns); err != nil {
		a.metrics.IncrementStoreFailure("save_history")
		slog.Error("Assistant.Handle: save history failed", "profileID", p.ID, "error", err)
		return nil
	}
	p.History = turns
	return nil
}

// executor runs search_web for the model, telling the user a search is in
// progress and forwarding the results.
func (a *Assistant) executor(p *models.Profile) genai.ToolExecutor {
	return func(ctx context.Context, name string, args map[string]any) (string, error) {
		if name != SearchToolName {
			return "", fmt.Errorf("unknown tool %q", name)
		}
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("%s: missing query", SearchToolName)
		}
		if a.searcher == nil {
			slog.Warn("Assistant.executor: search requested but not configured", "profileID", p.ID)
			return MsgSearchDisabled, nil
		}
		if err := a.sender.SendText(ctx, p.Platform, p.ID, fmt.Sprintf(MsgSearching, query)); err != nil {
			slog.Warn("Assistant.executor: could not send search notice", "profileID", p.ID, "error", err)
		}
		results, err := a.searcher.Search(ctx, query)
		if err != nil {
			a.metrics.IncrementServiceFailure("web_search")
			slog.Error("Assistant.executor: search failed", "profileID", p.ID, "query", query, "error", err)
			return MsgSearchFailed, nil
		}
		formatted := FormatResults(query, results)
		if err := a.sender.SendText(ctx, p.Platform, p.ID, formatted); err != nil {
			slog.Warn("Assistant.executor: could not send search results", "profileID", p.ID, "error", err)
		}
		return formatted, nil
	}
}

func trimHistory(turns []models.Turn) []models.Turn {
	if len(turns) <= MaxHistoryTurns {
		return turns
	}
	return turns[len(turns)-MaxHistoryTurns:]
}
