package soul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/halcyondev/halcyon/llm"
	"github.com/halcyondev/halcyon/session"
)

// SubagentDef describes an agent that can be launched via the task
// tool.
type SubagentDef struct {
	Name         string
	Description  string
	SystemPrompt string
}

// Roster holds the subagents available to a session: built-in
// definitions plus user-defined ones persisted in state.json.
type Roster struct {
	mu       sync.Mutex
	defs     map[string]SubagentDef
	dynamic  map[string]bool
	onChange func([]session.SubagentSpec)
}

// NewRoster builds a roster from built-in definitions and the dynamic
// specs loaded from session state.
func NewRoster(builtin []SubagentDef, persisted []session.SubagentSpec) *Roster {
	r := &Roster{
		defs:    make(map[string]SubagentDef),
		dynamic: make(map[string]bool),
	}
	for _, def := range builtin {
		r.defs[def.Name] = def
	}
	for _, spec := range persisted {
		r.defs[spec.Name] = SubagentDef{Name: spec.Name, SystemPrompt: spec.SystemPrompt}
		r.dynamic[spec.Name] = true
	}
	return r
}

// OnChange registers the callback fired whenever the dynamic set
// changes, with the full persisted form.
func (r *Roster) OnChange(fn func([]session.SubagentSpec)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get looks up a subagent definition by name.
func (r *Roster) Get(name string) (SubagentDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all subagent names in sorted order.
func (r *Roster) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddDynamic registers a user-defined subagent and fires the change
// callback so it gets persisted.
func (r *Roster) AddDynamic(name, systemPrompt string) {
	r.mu.Lock()
	r.defs[name] = SubagentDef{Name: name, SystemPrompt: systemPrompt}
	r.dynamic[name] = true
	fn, specs := r.onChange, r.dynamicSpecsLocked()
	r.mu.Unlock()
	if fn != nil {
		fn(specs)
	}
}

// DynamicSpecs returns the persisted form of the dynamic subagents.
func (r *Roster) DynamicSpecs() []session.SubagentSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dynamicSpecsLocked()
}

func (r *Roster) dynamicSpecsLocked() []session.SubagentSpec {
	specs := make([]session.SubagentSpec, 0, len(r.dynamic))
	for name := range r.dynamic {
		specs = append(specs, session.SubagentSpec{
			Name:         name,
			SystemPrompt: r.defs[name].SystemPrompt,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// taskArgs are the arguments of the task tool.
type taskArgs struct {
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
}

// NewTaskTool builds the tool that runs a subagent turn. The child Soul
// shares the parent's provider, tools, bus, and approval state; its
// events are relayed as SubagentEvent under the launching tool call's
// id, and its history lives only in memory.
func NewTaskTool(parent *Soul, roster *Roster) Tool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent": map[string]any{
				"type":        "string",
				"description": "Name of the subagent to run.",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Task for the subagent to carry out.",
			},
		},
		"required": []string{"agent", "prompt"},
	}

	return FuncTool{
		Def: llm.ToolDefinition{
			Name:        "task",
			Description: "Delegate a task to a named subagent and return its final response.",
			Parameters:  params,
		},
		Fn: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args taskArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid task arguments: %w", err)
			}
			def, ok := roster.Get(args.Agent)
			if !ok {
				return "", fmt.Errorf("unknown subagent %q, available: %v", args.Agent, roster.Names())
			}

			child := New(Params{
				Provider:        parent.provider,
				Policy:          parent.policy,
				Bus:             parent.bus,
				History:         session.NewMemoryContext(),
				Tools:           parent.tools,
				Approval:        parent.approval.Share(def.Name),
				Config:          parent.cfg,
				SystemPrompt:    def.SystemPrompt,
				Name:            def.Name,
				RelayToolCallID: ToolCallIDFromContext(ctx),
			})

			if err := child.Run(ctx, args.Prompt); err != nil {
				return "", fmt.Errorf("subagent %s: %w", def.Name, err)
			}
			return finalAssistantText(child.History().Messages()), nil
		},
	}
}

// finalAssistantText returns the text of the last assistant message.
func finalAssistantText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant {
			if text := messages[i].TextContent(); text != "" {
				return text
			}
		}
	}
	return ""
}
