package soul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/halcyondev/halcyon/llm"
)

// Tool is the contract tool implementations satisfy. Execute may
// suspend (waiting on approval or questions); the engine runs each call
// in its own goroutine and collects results before finishing the step.
type Tool interface {
	Definition() llm.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools available to an agent, keyed by name.
type Registry struct {
	mu    sync.Mutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the old tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition().Name] = tool
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the tool definitions in name order, for the
// provider's tool list.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// FuncTool adapts a function into a Tool.
type FuncTool struct {
	Def llm.ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

// Definition returns the tool's definition.
func (t FuncTool) Definition() llm.ToolDefinition { return t.Def }

// Execute invokes the wrapped function.
func (t FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

type toolCallIDKey struct{}

// WithToolCallID tags ctx with the id of the tool call being executed,
// so approval and question requests issued during execution carry it.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey{}, id)
}

// ToolCallIDFromContext returns the executing tool call's id, or "".
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey{}).(string)
	return id
}

// toolNotFoundResult synthesizes the error result returned when the
// model calls a tool that does not exist. Nothing is invoked.
func toolNotFoundResult(call llm.ToolCallData) llm.ToolResultData {
	return llm.ToolResultData{
		ToolCallID: call.ID,
		Content:    fmt.Sprintf("Tool %q not found. Do not call this tool again.", call.Name),
		IsError:    true,
	}
}

// interruptedResult synthesizes the result installed for a tool call
// still in flight when the turn is cancelled.
func interruptedResult(call llm.ToolCallData) llm.ToolResultData {
	return llm.ToolResultData{
		ToolCallID: call.ID,
		Content:    "Tool execution was interrupted by the user.",
		IsError:    true,
	}
}
