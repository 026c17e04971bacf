// Package genai wraps the inference providers used by EnrollPipe.
//
// Two backends implement ClientInterface: OpenAI chat completions (default) and
// Google Gemini. Both support plain prompts, prompts with an attached image, and
// tool-calling conversations.
package genai

import (
	"context"
	"errors"
	"time"
)

// Default configuration values.
const (
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultGeminiModel   = "gemini-2.0-flash"
	DefaultTemperature   = 0.2
	DefaultMaxToolRounds = 5
	DefaultTimeout       = 60 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the provider answers without any candidate.
	ErrNoChoicesReturned = errors.New("no choices returned from inference provider")
	// ErrToolRoundsExceeded is returned when a tool conversation does not settle on a text answer.
	ErrToolRoundsExceeded = errors.New("tool call rounds exceeded")
	// ErrMissingAPIKey is returned by constructors when no API key is configured.
	ErrMissingAPIKey = errors.New("API key not set")
)

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation passed to GenerateWithTools.
type Message struct {
	Role Role
	Text string
}

// Image is an inline picture attached to a prompt.
type Image struct {
	Data     []byte
	MimeType string
}

// ToolParam describes a single string argument of a tool.
type ToolParam struct {
	Name        string
	Description string
	Required    bool
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Params      []ToolParam
}

// ToolExecutor runs a tool call and returns the text handed back to the model.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (string, error)

// ClientInterface is implemented by every inference backend.
type ClientInterface interface {
	// GeneratePrompt returns the model's answer to userPrompt under systemPrompt.
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// GenerateWithImage returns the model's answer to prompt with image attached.
	GenerateWithImage(ctx context.Context, prompt string, image Image) (string, error)
	// GenerateWithTools runs a tool-calling conversation and returns the final text.
	// history must end with the latest user message.
	GenerateWithTools(ctx context.Context, systemPrompt string, history []Message, tools []Tool, exec ToolExecutor) (string, error)
}

// Opts holds configuration for the inference clients.
type Opts struct {
	APIKey        string
	Model         string
	Temperature   float64
	MaxToolRounds int
	Timeout       time.Duration
}

// Option defines a configuration option for the inference clients.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxToolRounds bounds the number of tool-call round trips.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) {
		o.MaxToolRounds = n
	}
}

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

func applyOptions(defaultModel string, opts []Option) Opts {
	cfg := Opts{
		Model:         defaultModel,
		Temperature:   DefaultTemperature,
		MaxToolRounds: DefaultMaxToolRounds,
		Timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

func toolArgumentsSchema(t Tool) (map[string]any, []string) {
	props := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		props[p.Name] = map[string]any{
			"type":        "string",
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return props, required
}
