package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gemini "google.golang.org/genai"
)

// modelsService abstracts the Gemini content generation endpoint for testing.
type modelsService interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient is the Google Gemini implementation of ClientInterface.
type GeminiClient struct {
	models        modelsService
	model         string
	temperature   float32
	maxToolRounds int
	timeout       time.Duration
}

var _ ClientInterface = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini client. An API key is required.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOptions(DefaultGeminiModel, opts)
	if cfg.APIKey == "" {
		slog.Error("genai.NewGeminiClient: Gemini API key not set")
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("genai.NewGeminiClient: Gemini client created", "model", cfg.Model)
	return &GeminiClient{
		models:        client.Models,
		model:         cfg.Model,
		temperature:   float32(cfg.Temperature),
		maxToolRounds: cfg.MaxToolRounds,
		timeout:       cfg.Timeout,
	}, nil
}

func (c *GeminiClient) config(systemPrompt string) *gemini.GenerateContentConfig {
	temperature := c.temperature
	cfg := &gemini.GenerateContentConfig{Temperature: &temperature}
	if systemPrompt != "" {
		cfg.SystemInstruction = gemini.NewContentFromText(systemPrompt, gemini.RoleUser)
	}
	return cfg
}

func (c *GeminiClient) generate(ctx context.Context, contents []*gemini.Content, cfg *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		slog.Error("genai.GeminiClient.generate: generate content failed", "model", c.model, "error", err)
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		slog.Warn("genai.GeminiClient.generate: no candidates returned", "model", c.model)
		return nil, ErrNoChoicesReturned
	}
	return resp, nil
}

// GeneratePrompt sends a system instruction and a user prompt and returns the answer text.
func (c *GeminiClient) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	contents := []*gemini.Content{gemini.NewContentFromText(userPrompt, gemini.RoleUser)}
	resp, err := c.generate(ctx, contents, c.config(systemPrompt))
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// GenerateWithImage sends prompt together with inline image bytes.
func (c *GeminiClient) GenerateWithImage(ctx context.Context, prompt string, image Image) (string, error) {
	mime := image.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	contents := []*gemini.Content{
		gemini.NewContentFromParts([]*gemini.Part{
			gemini.NewPartFromText(prompt),
			gemini.NewPartFromBytes(image.Data, mime),
		}, gemini.RoleUser),
	}
	resp, err := c.generate(ctx, contents, c.config(""))
	if err != nil {
		return "", err
	}
	slog.Debug("genai.GeminiClient.GenerateWithImage: completed", "imageBytes", len(image.Data))
	return resp.Text(), nil
}

// GenerateWithTools runs the function-calling loop until the model answers with text.
func (c *GeminiClient) GenerateWithTools(ctx context.Context, systemPrompt string, history []Message, tools []Tool, exec ToolExecutor) (string, error) {
	contents := make([]*gemini.Content, 0, len(history))
	for _, m := range history {
		role := gemini.Role(gemini.RoleUser)
		if m.Role == RoleAssistant {
			role = gemini.RoleModel
		}
		contents = append(contents, gemini.NewContentFromText(m.Text, role))
	}

	cfg := c.config(systemPrompt)
	if len(tools) > 0 {
		decls := make([]*gemini.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiDeclaration(t))
		}
		cfg.Tools = []*gemini.Tool{{FunctionDeclarations: decls}}
	}

	rounds := c.maxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	for round := 0; round < rounds; round++ {
		resp, err := c.generate(ctx, contents, cfg)
		if err != nil {
			return "", err
		}
		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			return resp.Text(), nil
		}

		contents = append(contents, resp.Candidates[0].Content)
		parts := make([]*gemini.Part, 0, len(calls))
		for _, call := range calls {
			slog.Info("genai.GeminiClient.GenerateWithTools: executing tool", "tool", call.Name, "round", round)
			result, err := exec(ctx, call.Name, call.Args)
			if err != nil {
				slog.Warn("genai.GeminiClient.GenerateWithTools: tool failed", "tool", call.Name, "error", err)
				parts = append(parts, gemini.NewPartFromFunctionResponse(call.Name, map[string]any{"error": err.Error()}))
				continue
			}
			parts = append(parts, gemini.NewPartFromFunctionResponse(call.Name, map[string]any{"result": result}))
		}
		contents = append(contents, gemini.NewContentFromParts(parts, gemini.RoleUser))
	}
	return "", ErrToolRoundsExceeded
}

func geminiDeclaration(t Tool) *gemini.FunctionDeclaration {
	schema := &gemini.Schema{
		Type:       gemini.TypeObject,
		Properties: make(map[string]*gemini.Schema, len(t.Params)),
	}
	for _, p := range t.Params {
		schema.Properties[p.Name] = &gemini.Schema{Type: gemini.TypeString, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &gemini.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schema,
	}
}
