// Package wire implements the typed event/request bus connecting the
// agent engine to its consumers. Events are broadcast to every attached
// side; requests are routed to the designated handler side and carry a
// single-assignment resolution slot. The bus persists messages to an
// append-only log and can replay it to late-attaching consumers.
package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/halcyondev/halcyon/llm"
)

// Type is the discriminator for wire messages.
type Type string

const (
	// Events, broadcast to every attached side.
	TypeTurnBegin        Type = "turn_begin"
	TypeTurnEnd          Type = "turn_end"
	TypeStepBegin        Type = "step_begin"
	TypeStepInterrupted  Type = "step_interrupted"
	TypeCompactionBegin  Type = "compaction_begin"
	TypeCompactionEnd    Type = "compaction_end"
	TypeStatusUpdate     Type = "status_update"
	TypeContentPart      Type = "content_part"
	TypeToolCall         Type = "tool_call"
	TypeToolCallPart     Type = "tool_call_part"
	TypeToolResult       Type = "tool_result"
	TypeApprovalResponse Type = "approval_response"
	TypeSubagentEvent    Type = "subagent_event"

	// Requests, routed to the handler side, each awaiting one resolution.
	TypeApprovalRequest Type = "approval_request"
	TypeQuestionRequest Type = "question_request"
	TypeToolCallRequest Type = "tool_call_request"

	// TypeMetadata is reserved for log bookkeeping and never replayed.
	TypeMetadata Type = "metadata"
)

// legacyTypes maps discriminators written by older versions to their
// canonical modern equivalents. Decoding accepts both.
var legacyTypes = map[Type]Type{
	"status":         TypeStatusUpdate,
	"subagent":       TypeSubagentEvent,
	"step_interrupt": TypeStepInterrupted,
}

// TurnBegin marks the start of an agent turn.
type TurnBegin struct{}

// TurnEnd marks the normal completion of an agent turn.
type TurnEnd struct{}

// StepBegin marks the start of step N within a turn (1-indexed).
type StepBegin struct {
	N int `json:"n"`
}

// StepInterrupted marks a turn that ended by cancellation. A turn that
// emits StepInterrupted never emits TurnEnd.
type StepInterrupted struct{}

// CompactionBegin marks the start of a history compaction.
type CompactionBegin struct{}

// CompactionEnd marks the end of a history compaction.
type CompactionEnd struct{}

// StatusUpdate reports context window consumption after a step.
type StatusUpdate struct {
	ContextUsage float64        `json:"context_usage"`
	TokenUsage   llm.TokenUsage `json:"token_usage"`
}

// ContentPart carries one streamed part of an assistant message.
type ContentPart struct {
	Part llm.ContentPart `json:"part"`
}

// ToolCall announces a completed tool call emitted by the model.
type ToolCall struct {
	Call llm.ToolCallData `json:"call"`
}

// ToolCallPart carries a streamed fragment of a tool call's arguments.
type ToolCallPart struct {
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
}

// ToolResult carries the outcome of one tool execution.
type ToolResult struct {
	Result llm.ToolResultData `json:"result"`
}

// ApprovalResponse records the resolution of an approval request.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
}

// SubagentEvent is a transparent envelope relaying a subagent's own
// message under its parent tool call's identity. Unmerged sides see the
// wrapper intact; merged sides see the inner event flattened one level.
type SubagentEvent struct {
	TaskToolCallID string   `json:"task_tool_call_id"`
	Event          *Message `json:"event"`
}

// Question is one item of a QuestionRequest.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// ApprovalRequest asks a human to approve a sensitive tool action.
type ApprovalRequest struct {
	ID          string   `json:"id"`
	ToolCallID  string   `json:"tool_call_id,omitempty"`
	Sender      string   `json:"sender"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	Display     []string `json:"display,omitempty"`

	promise `json:"-"`
}

// RequestID returns the request's correlation id.
func (r *ApprovalRequest) RequestID() string { return r.ID }

// QuestionRequest asks the attached client to present interactive
// questions to the user.
type QuestionRequest struct {
	ID         string     `json:"id"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Questions  []Question `json:"questions"`

	promise `json:"-"`
}

// RequestID returns the request's correlation id.
func (r *QuestionRequest) RequestID() string { return r.ID }

// ToolCallRequest delegates execution of a tool call to the attached
// client.
type ToolCallRequest struct {
	ID   string           `json:"id"`
	Call llm.ToolCallData `json:"call"`

	promise `json:"-"`
}

// RequestID returns the request's correlation id.
func (r *ToolCallRequest) RequestID() string { return r.ID }

// Request is the behavior shared by every request payload: a correlation
// id plus a single-assignment resolution slot.
type Request interface {
	RequestID() string
	Resolve(value any)
	SetError(err error)
	Wait(ctx context.Context) (any, error)
	Resolved() bool
}

// Message is the envelope carried on the wire: a discriminator plus the
// typed payload for that discriminator.
type Message struct {
	Type    Type
	Payload any
}

// Request returns the payload as a Request, or nil for event messages.
func (m *Message) Request() Request {
	if r, ok := m.Payload.(Request); ok {
		return r
	}
	return nil
}

type messageJSON struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the envelope as {"type": ..., "payload": {...}}.
func (m *Message) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if m.Payload != nil {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	return json.Marshal(messageJSON{Type: m.Type, Payload: payload})
}

// UnmarshalJSON decodes the envelope, mapping legacy discriminators to
// their canonical variants.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	typ := env.Type
	if canonical, ok := legacyTypes[typ]; ok {
		typ = canonical
	}

	var payload any
	switch typ {
	case TypeTurnBegin:
		payload = &TurnBegin{}
	case TypeTurnEnd:
		payload = &TurnEnd{}
	case TypeStepBegin:
		payload = &StepBegin{}
	case TypeStepInterrupted:
		payload = &StepInterrupted{}
	case TypeCompactionBegin:
		payload = &CompactionBegin{}
	case TypeCompactionEnd:
		payload = &CompactionEnd{}
	case TypeStatusUpdate:
		payload = &StatusUpdate{}
	case TypeContentPart:
		payload = &ContentPart{}
	case TypeToolCall:
		payload = &ToolCall{}
	case TypeToolCallPart:
		payload = &ToolCallPart{}
	case TypeToolResult:
		payload = &ToolResult{}
	case TypeApprovalResponse:
		payload = &ApprovalResponse{}
	case TypeSubagentEvent:
		payload = &SubagentEvent{}
	case TypeApprovalRequest:
		payload = &ApprovalRequest{}
	case TypeQuestionRequest:
		payload = &QuestionRequest{}
	case TypeToolCallRequest:
		payload = &ToolCallRequest{}
	case TypeMetadata:
		payload = &map[string]any{}
	default:
		return fmt.Errorf("unknown wire message type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return err
		}
	}
	m.Type = typ
	m.Payload = payload
	return nil
}

// Constructors for every variant. Messages are always handled by
// pointer so request resolution state travels with the envelope.

func NewTurnBegin() *Message { return &Message{Type: TypeTurnBegin, Payload: &TurnBegin{}} }

func NewTurnEnd() *Message { return &Message{Type: TypeTurnEnd, Payload: &TurnEnd{}} }

func NewStepInterrupted() *Message {
	return &Message{Type: TypeStepInterrupted, Payload: &StepInterrupted{}}
}
func NewCompactionBegin() *Message {
	return &Message{Type: TypeCompactionBegin, Payload: &CompactionBegin{}}
}
func NewCompactionEnd() *Message {
	return &Message{Type: TypeCompactionEnd, Payload: &CompactionEnd{}}
}

func NewStepBegin(n int) *Message {
	return &Message{Type: TypeStepBegin, Payload: &StepBegin{N: n}}
}

func NewStatusUpdate(contextUsage float64, usage llm.TokenUsage) *Message {
	return &Message{Type: TypeStatusUpdate, Payload: &StatusUpdate{
		ContextUsage: contextUsage,
		TokenUsage:   usage,
	}}
}

func NewContentPart(part llm.ContentPart) *Message {
	return &Message{Type: TypeContentPart, Payload: &ContentPart{Part: part}}
}

func NewToolCall(call llm.ToolCallData) *Message {
	return &Message{Type: TypeToolCall, Payload: &ToolCall{Call: call}}
}

func NewToolCallPart(toolCallID, delta string) *Message {
	return &Message{Type: TypeToolCallPart, Payload: &ToolCallPart{
		ToolCallID: toolCallID,
		Delta:      delta,
	}}
}

func NewToolResult(result llm.ToolResultData) *Message {
	return &Message{Type: TypeToolResult, Payload: &ToolResult{Result: result}}
}

func NewApprovalResponse(requestID, outcome string) *Message {
	return &Message{Type: TypeApprovalResponse, Payload: &ApprovalResponse{
		RequestID: requestID,
		Outcome:   outcome,
	}}
}

func NewSubagentEvent(taskToolCallID string, event *Message) *Message {
	return &Message{Type: TypeSubagentEvent, Payload: &SubagentEvent{
		TaskToolCallID: taskToolCallID,
		Event:          event,
	}}
}

func NewApprovalRequest(toolCallID, sender, action, description string, display []string) *Message {
	return &Message{Type: TypeApprovalRequest, Payload: &ApprovalRequest{
		ID:          uuid.New().String(),
		ToolCallID:  toolCallID,
		Sender:      sender,
		Action:      action,
		Description: description,
		Display:     display,
	}}
}

func NewQuestionRequest(toolCallID string, questions []Question) *Message {
	return &Message{Type: TypeQuestionRequest, Payload: &QuestionRequest{
		ID:         uuid.New().String(),
		ToolCallID: toolCallID,
		Questions:  questions,
	}}
}

func NewToolCallRequest(call llm.ToolCallData) *Message {
	return &Message{Type: TypeToolCallRequest, Payload: &ToolCallRequest{
		ID:   uuid.New().String(),
		Call: call,
	}}
}
