package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// chatService abstracts the chat completions endpoint for testing.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client is the OpenAI-backed implementation of ClientInterface.
type Client struct {
	chat          chatService
	model         string
	temperature   float64
	maxToolRounds int
	timeout       time.Duration
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates an OpenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := applyOptions(DefaultOpenAIModel, opts)
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: OpenAI API key not set")
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model, "temperature", cfg.Temperature)
	return &Client{
		chat:          completionsAdapter{svc: &cli.Chat.Completions},
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		maxToolRounds: cfg.MaxToolRounds,
		timeout:       cfg.Timeout,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	model := c.model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
}

func (c *Client) create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.Client.create: chat completion failed", "model", c.model, "error", err)
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("genai.Client.create: no choices returned", "model", c.model)
		return openai.ChatCompletionMessage{}, ErrNoChoicesReturned
	}
	return resp.Choices[0].Message, nil
}

// GeneratePrompt sends a system and a user prompt and returns the answer text.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	msg, err := c.create(ctx, c.params(messages))
	if err != nil {
		return "", err
	}
	slog.Debug("genai.Client.GeneratePrompt: completed", "responseLength", len(msg.Content))
	return msg.Content, nil
}

// GenerateWithImage sends prompt with an inline data-URL image.
func (c *Client) GenerateWithImage(ctx context.Context, prompt string, image Image) (string, error) {
	mime := image.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}

	msg, err := c.create(ctx, c.params(messages))
	if err != nil {
		return "", err
	}
	slog.Debug("genai.Client.GenerateWithImage: completed", "imageBytes", len(image.Data), "responseLength", len(msg.Content))
	return msg.Content, nil
}

// GenerateWithTools runs the tool loop until the model answers with text.
func (c *Client) GenerateWithTools(ctx context.Context, systemPrompt string, history []Message, tools []Tool, exec ToolExecutor) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, m := range history {
		if m.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	toolParams := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		toolParams = append(toolParams, openAITool(t))
	}

	rounds := c.maxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	for round := 0; round < rounds; round++ {
		params := c.params(messages)
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}
		msg, err := c.create(ctx, params)
		if err != nil {
			return "", err
		}
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		var toolCalls []openai.ChatCompletionMessageToolCallParam
		for _, tc := range msg.ToolCalls {
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
		if msg.Content != "" {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(msg.Content),
			}
		}
		messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					slog.Warn("genai.Client.GenerateWithTools: invalid tool arguments", "tool", tc.Function.Name, "error", err)
				}
			}
			slog.Info("genai.Client.GenerateWithTools: executing tool", "tool", tc.Function.Name, "round", round)
			result, err := exec(ctx, tc.Function.Name, args)
			if err != nil {
				slog.Warn("genai.Client.GenerateWithTools: tool failed", "tool", tc.Function.Name, "error", err)
				result = "Error: " + err.Error()
			}
			messages = append(messages, openai.ToolMessage(result, tc.ID))
		}
	}
	return "", ErrToolRoundsExceeded
}

func openAITool(t Tool) openai.ChatCompletionToolParam {
	props, required := toolArgumentsSchema(t)
	params := shared.FunctionParameters{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		},
	}
}
