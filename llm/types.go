// Package llm defines the provider abstraction used by the agent engine:
// the message model exchanged with chat providers, the closed error
// taxonomy for provider failures, and the recovery policy that wraps
// every generate call.
package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentThink      ContentKind = "think"
	ContentImageURL   ContentKind = "image_url"
	ContentAudioURL   ContentKind = "audio_url"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
)

// ImageURLData holds image content referenced by URL.
type ImageURLData struct {
	URL       string `json:"url"`
	ID        string `json:"id,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// AudioURLData holds audio content referenced by URL.
type AudioURLData struct {
	URL       string `json:"url"`
	ID        string `json:"id,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ToolCallData represents a model-initiated tool invocation.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData holds the result of a tool execution.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ThinkData represents internal model reasoning. Think content is never
// counted toward context estimates and is stripped before compaction.
type ThinkData struct {
	Text string `json:"text"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Think      *ThinkData      `json:"think,omitempty"`
	ImageURL   *ImageURLData   `json:"image_url,omitempty"`
	AudioURL   *AudioURLData   `json:"audio_url,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ThinkPart creates a think ContentPart.
func ThinkPart(text string) ContentPart {
	return ContentPart{Kind: ContentThink, Think: &ThinkData{Text: text}}
}

// ImageURLPart creates an image ContentPart from a URL.
func ImageURLPart(url string) ContentPart {
	return ContentPart{Kind: ContentImageURL, ImageURL: &ImageURLData{URL: url}}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Kind:     ContentToolCall,
		ToolCall: &ToolCallData{ID: id, Name: name, Arguments: args},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// Message is the fundamental unit of conversation history.
type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextContent returns the concatenation of all literal text parts.
// Think content is deliberately excluded.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all tool call data from the message content.
func (m Message) ToolCalls() []ToolCallData {
	var calls []ToolCallData
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// StripThink returns a copy of the message without think parts.
func (m Message) StripThink() Message {
	parts := make([]ContentPart, 0, len(m.Content))
	for _, part := range m.Content {
		if part.Kind == ContentThink {
			continue
		}
		parts = append(parts, part)
	}
	return Message{Role: m.Role, Content: parts}
}

// Stringify renders the message as plain text, with non-text parts
// replaced by bracketed placeholders.
func (m Message) Stringify() string {
	var sb strings.Builder
	for _, part := range m.Content {
		switch part.Kind {
		case ContentText:
			sb.WriteString(part.Text)
		case ContentImageURL:
			sb.WriteString("[image]")
		case ContentAudioURL:
			sb.WriteString("[audio]")
		case ContentThink:
			// skipped
		default:
			sb.WriteString("[" + string(part.Kind) + "]")
		}
	}
	return sb.String()
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:    RoleTool,
		Content: []ContentPart{ToolResultPart(toolCallID, content, isError)},
	}
}

// TokenUsage tracks token consumption for one or more provider calls.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns the combined input and output token count.
func (u TokenUsage) Total() int { return u.Input + u.Output }

// Add returns a new TokenUsage that is the sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// ToolDefinition describes a tool for the provider (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenerateRequest is the input to a single provider generate call.
type GenerateRequest struct {
	SystemPrompt string           `json:"system_prompt"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	History      []Message        `json:"history"`
}

// StepResult is the output of a single provider generate call.
type StepResult struct {
	Message Message     `json:"message"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	StreamText          StreamEventType = "text"
	StreamThink         StreamEventType = "think"
	StreamToolCall      StreamEventType = "tool_call"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
)

// StreamEvent is a single incremental event from a generate call.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Delta      string          `json:"delta,omitempty"`
	ToolCall   *ToolCallData   `json:"tool_call,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// StreamHandler receives incremental events during a generate call.
// A nil handler disables streaming delivery.
type StreamHandler func(StreamEvent)

// EstimateTokens is the character-based token heuristic used when exact
// usage is not available. Only literal text content counts; think content
// is always excluded.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text)
			}
		}
	}
	// ~4 chars per token for English text. Underestimates CJK, but the
	// estimate is corrected by real usage on the next provider call.
	return total / 4
}
