package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp openai.ChatCompletion
	err  error
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	return m.resp, m.err
}

// scriptedChatService returns one response per call and records the requests.
type scriptedChatService struct {
	responses []openai.ChatCompletion
	calls     []openai.ChatCompletionNewParams
}

func (s *scriptedChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	s.calls = append(s.calls, params)
	if len(s.calls) > len(s.responses) {
		return openai.ChatCompletion{}, errors.New("unexpected call")
	}
	return s.responses[len(s.calls)-1], nil
}

func textCompletion(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func toolCompletion(id, name, args string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{
					{ID: id, Function: openai.ChatCompletionMessageToolCallFunction{Name: name, Arguments: args}},
				},
			}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: textCompletion("Hello World")}}
	out, err := client.GeneratePrompt(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithImage_SendsDataURL(t *testing.T) {
	svc := &scriptedChatService{responses: []openai.ChatCompletion{textCompletion(`{"type":"anverso"}`)}}
	client := &Client{chat: svc, model: "test-model"}

	out, err := client.GenerateWithImage(context.Background(), "extract", Image{Data: []byte{0xff, 0xd8}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"type":"anverso"}` {
		t.Errorf("unexpected output %q", out)
	}
	if len(svc.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(svc.calls))
	}
	parts := svc.calls[0].Messages[0].OfUser.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	if parts[1].OfImageURL == nil || parts[1].OfImageURL.ImageURL.URL != "data:image/jpeg;base64,/9g=" {
		t.Errorf("unexpected image part %+v", parts[1])
	}
}

func TestGenerateWithTools_ExecutesToolThenAnswers(t *testing.T) {
	svc := &scriptedChatService{responses: []openai.ChatCompletion{
		toolCompletion("call_1", "search_web", `{"query":"costos"}`),
		textCompletion("La colegiatura cuesta X"),
	}}
	client := &Client{chat: svc, model: "test-model"}

	var gotArgs map[string]any
	exec := func(ctx context.Context, name string, args map[string]any) (string, error) {
		if name != "search_web" {
			t.Errorf("unexpected tool %q", name)
		}
		gotArgs = args
		return "resultados", nil
	}
	tools := []Tool{{Name: "search_web", Description: "Busca", Params: []ToolParam{{Name: "query", Required: true}}}}

	out, err := client.GenerateWithTools(context.Background(), "sys", []Message{{Role: RoleUser, Text: "¿Cuánto cuesta?"}}, tools, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "La colegiatura cuesta X" {
		t.Errorf("unexpected output %q", out)
	}
	if gotArgs["query"] != "costos" {
		t.Errorf("tool args = %v", gotArgs)
	}
	if len(svc.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(svc.calls))
	}
	// system + user + assistant(tool calls) + tool result
	if n := len(svc.calls[1].Messages); n != 4 {
		t.Errorf("second call carried %d messages, want 4", n)
	}
	if svc.calls[1].Messages[3].OfTool == nil {
		t.Error("last message of second call should be the tool result")
	}
}

func TestGenerateWithTools_BoundedRounds(t *testing.T) {
	var responses []openai.ChatCompletion
	for i := 0; i < 3; i++ {
		responses = append(responses, toolCompletion("call", "search_web", `{}`))
	}
	client := &Client{chat: &scriptedChatService{responses: responses}, maxToolRounds: 3}
	exec := func(ctx context.Context, name string, args map[string]any) (string, error) { return "", nil }

	_, err := client.GenerateWithTools(context.Background(), "sys", []Message{{Role: RoleUser, Text: "hola"}}, nil, exec)
	if !errors.Is(err, ErrToolRoundsExceeded) {
		t.Errorf("expected ErrToolRoundsExceeded, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "gpt-test" {
		t.Errorf("unexpected client %+v", cli)
	}
}

func TestApplyOptionsDefaults(t *testing.T) {
	cfg := applyOptions(DefaultOpenAIModel, []Option{WithMaxToolRounds(-1), WithModel("")})
	if cfg.Model != DefaultOpenAIModel || cfg.MaxToolRounds != DefaultMaxToolRounds || cfg.Timeout != DefaultTimeout {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
