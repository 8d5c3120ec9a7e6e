package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmProvider implements Provider on top of a gollm.LLM instance.
// It translates between the engine's message model and gollm's prompt
// API, and classifies gollm errors into the closed taxonomy.
type GollmProvider struct {
	mu             sync.Mutex
	provider       string
	model          string
	maxContextSize int
	apiKey         string
	maxTokens      int
	llm            gollm.LLM
}

// GollmOption configures a GollmProvider.
type GollmOption func(*GollmProvider)

// WithAPIKey sets the API key. If empty, gollm reads it from the
// provider's environment variable.
func WithAPIKey(key string) GollmOption {
	return func(p *GollmProvider) { p.apiKey = key }
}

// WithMaxContextSize overrides the assumed context window size.
func WithMaxContextSize(n int) GollmOption {
	return func(p *GollmProvider) { p.maxContextSize = n }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) GollmOption {
	return func(p *GollmProvider) { p.maxTokens = n }
}

// NewGollmProvider creates a provider backed by gollm.
func NewGollmProvider(provider, model string, opts ...GollmOption) (*GollmProvider, error) {
	p := &GollmProvider{
		provider:       provider,
		model:          model,
		maxContextSize: 128000,
		maxTokens:      8192,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.rebuild(); err != nil {
		return nil, err
	}
	return p, nil
}

// rebuild (re)creates the underlying gollm.LLM instance.
func (p *GollmProvider) rebuild() error {
	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(p.provider),
		gollm.SetModel(p.model),
		gollm.SetMaxTokens(p.maxTokens),
		gollm.SetMaxRetries(0), // the engine's recovery policy owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if p.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(p.apiKey))
	}

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return fmt.Errorf("create gollm LLM for provider %s: %w", p.provider, err)
	}
	p.llm = llm
	return nil
}

// Model returns the model identifier.
func (p *GollmProvider) Model() string { return p.model }

// MaxContextSize returns the model's context window size in tokens.
func (p *GollmProvider) MaxContextSize() int { return p.maxContextSize }

// RebuildTransport recreates the underlying gollm client. It implements
// the connection-recovery capability hook.
func (p *GollmProvider) RebuildTransport(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebuild()
}

// Generate performs one model call.
func (p *GollmProvider) Generate(ctx context.Context, req GenerateRequest, onEvent StreamHandler) (*StepResult, error) {
	prompt := p.translateRequest(req)

	p.mu.Lock()
	llm := p.llm
	p.mu.Unlock()

	text, err := llm.Generate(ctx, prompt)
	if err != nil {
		return nil, p.translateError(err)
	}

	message := p.buildMessage(text, onEvent)
	usage := &TokenUsage{
		// gollm does not expose usage; estimate from text length until the
		// provider reports real counts.
		Input:  EstimateTokens(req.History),
		Output: len(text) / 4,
	}
	return &StepResult{Message: message, Usage: usage}, nil
}

// translateRequest converts a GenerateRequest into a gollm Prompt.
func (p *GollmProvider) translateRequest(req GenerateRequest) *gollm.Prompt {
	var userParts []string
	for _, msg := range req.History {
		switch msg.Role {
		case RoleUser:
			userParts = append(userParts, msg.Stringify())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				userParts = append(userParts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				userParts = append(userParts,
					fmt.Sprintf("[Assistant tool call %s]: %s(%s)", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error]"
				}
				userParts = append(userParts, prefix+": "+part.ToolResult.Content)
			}
		case RoleSystem:
			userParts = append(userParts, msg.TextContent())
		}
	}

	promptText := strings.Join(userParts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if req.SystemPrompt != "" {
		promptOpts = append(promptOpts,
			gollm.WithSystemPrompt(strings.TrimSpace(req.SystemPrompt), gollm.CacheTypeEphemeral))
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// buildMessage constructs the assistant message from the generated text
// and delivers stream events for each part.
func (p *GollmProvider) buildMessage(text string, onEvent StreamHandler) Message {
	toolCalls := parseToolCalls(text)
	cleaned := removeToolCallJSON(text, toolCalls)

	var parts []ContentPart
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
		if onEvent != nil {
			onEvent(StreamEvent{Type: StreamText, Delta: cleaned})
		}
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &tc})
		if onEvent != nil {
			onEvent(StreamEvent{Type: StreamToolCall, ToolCall: &tc})
		}
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
		if onEvent != nil {
			onEvent(StreamEvent{Type: StreamText, Delta: text})
		}
	}
	return Message{Role: RoleAssistant, Content: parts}
}

// parseToolCalls extracts tool calls that gollm returns embedded in the
// response text as a JSON array.
func parseToolCalls(text string) []ToolCallData {
	start := strings.Index(text, `{"tool_calls"`)
	if start == -1 {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	calls := make([]ToolCallData, 0, len(rawCalls))
	for _, rc := range rawCalls {
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// removeToolCallJSON strips parsed tool call JSON from the text.
func removeToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return strings.TrimSpace(text)
	}
	result := text
	for _, pattern := range []string{`{"tool_calls"`, `[{"name"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = result[:idx]
		}
	}
	return strings.TrimSpace(result)
}

// translateError classifies a gollm error into the closed taxonomy.
func (p *GollmProvider) translateError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	base := ProviderError{Provider: p.provider, Message: msg, Cause: err}

	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "eof"):
		return &ConnectionError{ProviderError: base}
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return &TimeoutError{ProviderError: base}
	case strings.Contains(lower, "429"), strings.Contains(lower, "rate limit"):
		return &StatusError{ProviderError: base, StatusCode: 429}
	case strings.Contains(lower, "500"), strings.Contains(lower, "internal server"):
		return &StatusError{ProviderError: base, StatusCode: 500}
	case strings.Contains(lower, "502"), strings.Contains(lower, "bad gateway"):
		return &StatusError{ProviderError: base, StatusCode: 502}
	case strings.Contains(lower, "503"), strings.Contains(lower, "overloaded"):
		return &StatusError{ProviderError: base, StatusCode: 503}
	default:
		return &StatusError{ProviderError: base, StatusCode: 0}
	}
}
