// Package soul implements the agent's turn/step engine: it runs model
// calls, dispatches the tool calls they produce, folds in mid-turn
// steering, gates sensitive actions behind approval, and compacts the
// history when it outgrows the context window.
package soul

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/halcyondev/halcyon/config"
	"github.com/halcyondev/halcyon/llm"
	"github.com/halcyondev/halcyon/session"
	"github.com/halcyondev/halcyon/wire"
)

// ErrNoActiveTurn is returned by Steer when the engine is idle.
var ErrNoActiveTurn = errors.New("no agent turn is in progress")

// ErrTurnActive is returned by Run when a turn is already in progress.
var ErrTurnActive = errors.New("an agent turn is already in progress")

// Params configures a Soul.
type Params struct {
	Provider     llm.Provider
	Policy       llm.RecoveryPolicy
	Bus          *wire.Wire
	History      *session.Context
	Tools        *Registry
	Approval     *Approval
	Config       config.Config
	SystemPrompt string

	// Name identifies this agent as the sender of approval requests.
	Name string

	// RelayToolCallID, when set, wraps every published event in a
	// SubagentEvent under that tool call's identity. Set for subagents.
	RelayToolCallID string
}

// Soul is the turn/step state machine. One Soul drives one agent; a
// subagent gets its own Soul sharing the parent's bus and approval
// state.
type Soul struct {
	provider     llm.Provider
	policy       llm.RecoveryPolicy
	bus          *wire.Wire
	history      *session.Context
	tools        *Registry
	approval     *Approval
	cfg          config.Config
	systemPrompt string
	name         string
	relayID      string
	compaction   SimpleCompaction

	mu         sync.Mutex
	active     bool
	cancelTurn context.CancelFunc
	steer      []llm.Message
	tokensUsed int
}

// New creates a Soul from params.
func New(p Params) *Soul {
	return &Soul{
		provider:     p.Provider,
		policy:       p.Policy,
		bus:          p.Bus,
		history:      p.History,
		tools:        p.Tools,
		approval:     p.Approval,
		cfg:          p.Config,
		systemPrompt: p.SystemPrompt,
		name:         p.Name,
		relayID:      p.RelayToolCallID,
		compaction:   SimpleCompaction{MaxPreservedMessages: p.Config.Compaction.MaxPreservedMessages},
	}
}

// Approval returns the agent's approval handle.
func (s *Soul) Approval() *Approval { return s.approval }

// Tools returns the agent's tool registry.
func (s *Soul) Tools() *Registry { return s.tools }

// History returns the agent's message history.
func (s *Soul) History() *session.Context { return s.history }

// publish emits an event, wrapping it in a subagent envelope when this
// Soul is running under a parent tool call.
func (s *Soul) publish(msg *wire.Message) {
	if s.relayID != "" {
		msg = wire.NewSubagentEvent(s.relayID, msg)
	}
	s.bus.Publish(msg)
}

// generate issues one provider call under the recovery policy.
func (s *Soul) generate(ctx context.Context, req llm.GenerateRequest, onEvent llm.StreamHandler) (*llm.StepResult, error) {
	return s.policy.Generate(ctx, s.provider, req, onEvent)
}

// Run executes one turn for the given user input. Only one turn may be
// active per Soul; a second Run while active returns ErrTurnActive.
// Cancellation ends the turn with StepInterrupted instead of TurnEnd
// and returns nil.
func (s *Soul) Run(ctx context.Context, userInput string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrTurnActive
	}
	s.active = true
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.active = false
		s.cancelTurn = nil
		s.steer = nil
		s.mu.Unlock()
	}()

	if err := s.history.Append(llm.UserMessage(userInput)); err != nil {
		return err
	}
	s.publish(wire.NewTurnBegin())

	step := 0
	for {
		step++
		if turnCtx.Err() != nil {
			s.finishInterrupted()
			return nil
		}
		s.publish(wire.NewStepBegin(step))

		toolCalls, err := s.runStep(turnCtx)
		if err != nil {
			if turnCtx.Err() != nil {
				s.finishInterrupted()
				return nil
			}
			return fmt.Errorf("turn failed at step %d: %w", step, err)
		}
		if turnCtx.Err() != nil {
			s.finishInterrupted()
			return nil
		}

		if s.shouldAutoCompact() {
			if err := s.compact(turnCtx, ""); err != nil {
				return err
			}
		}

		steered := s.takeSteer()
		if len(toolCalls) == 0 && !steered {
			break
		}
		if s.cfg.MaxStepsPerTurn > 0 && step >= s.cfg.MaxStepsPerTurn {
			break
		}
	}

	s.publish(wire.NewTurnEnd())
	return nil
}

// runStep performs one model call plus the tool dispatch it produced.
func (s *Soul) runStep(ctx context.Context) ([]llm.ToolCallData, error) {
	req := llm.GenerateRequest{
		SystemPrompt: s.systemPrompt,
		Tools:        s.tools.Definitions(),
		History:      s.history.Messages(),
	}

	onEvent := func(ev llm.StreamEvent) {
		switch ev.Type {
		case llm.StreamText:
			s.publish(wire.NewContentPart(llm.TextPart(ev.Delta)))
		case llm.StreamThink:
			s.publish(wire.NewContentPart(llm.ThinkPart(ev.Delta)))
		case llm.StreamToolCall:
			if ev.ToolCall != nil {
				s.publish(wire.NewToolCall(*ev.ToolCall))
			}
		case llm.StreamToolCallDelta:
			s.publish(wire.NewToolCallPart(ev.ToolCallID, ev.Delta))
		}
	}

	result, err := s.generate(ctx, req, onEvent)
	if err != nil {
		return nil, err
	}

	if err := s.history.Append(result.Message); err != nil {
		return nil, err
	}

	var usage llm.TokenUsage
	if result.Usage != nil {
		usage = *result.Usage
		s.setTokensUsed(usage.Total())
	} else {
		s.setTokensUsed(llm.EstimateTokens(s.history.Messages()))
	}
	s.publish(wire.NewStatusUpdate(s.contextUsage(), usage))

	toolCalls := result.Message.ToolCalls()
	if err := s.dispatchTools(ctx, toolCalls); err != nil {
		return nil, err
	}
	return toolCalls, nil
}

// dispatchTools runs every tool call from one assistant message. Calls
// run concurrently; the step does not conclude until all have completed
// or been finalized as interrupted. A missing tool yields a synthetic
// error result without invoking anything, and a failing tool becomes a
// normal error result so the model can retry or change approach.
func (s *Soul) dispatchTools(ctx context.Context, calls []llm.ToolCallData) error {
	if len(calls) == 0 {
		return nil
	}

	results := make([]llm.ToolResultData, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		tool, ok := s.tools.Get(call.Name)
		if !ok {
			results[i] = toolNotFoundResult(call)
			continue
		}
		wg.Add(1)
		go func(i int, call llm.ToolCallData, tool Tool) {
			defer wg.Done()
			callCtx := WithToolCallID(ctx, call.ID)
			out, err := tool.Execute(callCtx, call.Arguments)
			switch {
			case err != nil && ctx.Err() != nil:
				results[i] = interruptedResult(call)
			case err != nil:
				results[i] = llm.ToolResultData{ToolCallID: call.ID, Content: err.Error(), IsError: true}
			default:
				results[i] = llm.ToolResultData{ToolCallID: call.ID, Content: out}
			}
		}(i, call, tool)
	}
	wg.Wait()

	for _, res := range results {
		s.publish(wire.NewToolResult(res))
		if err := s.history.Append(llm.ToolResultMessage(res.ToolCallID, res.Content, res.IsError)); err != nil {
			return err
		}
	}
	return nil
}

// finishInterrupted ends a cancelled turn: outstanding requests resolve
// to a reject so suspended tool tasks unblock, and StepInterrupted is
// emitted in place of TurnEnd.
func (s *Soul) finishInterrupted() {
	s.bus.RejectAllPending(OutcomeReject)
	s.publish(wire.NewStepInterrupted())
}

// Steer injects user content into the active turn. It is folded into
// the history before the next step and forces that step even when the
// model emitted no tool calls.
func (s *Soul) Steer(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNoActiveTurn
	}
	s.steer = append(s.steer, llm.UserMessage(text))
	return nil
}

// takeSteer folds pending steering into the history and reports whether
// any was present.
func (s *Soul) takeSteer() bool {
	s.mu.Lock()
	pending := s.steer
	s.steer = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return false
	}
	if err := s.history.Append(pending...); err != nil {
		return false
	}
	return true
}

// Cancel requests cooperative cancellation of the active turn. It is a
// no-op when idle.
func (s *Soul) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
}

// Active reports whether a turn is in progress.
func (s *Soul) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Soul) setTokensUsed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokensUsed = n
}

// TokensUsed returns the engine's current estimate of history size.
func (s *Soul) TokensUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensUsed
}

func (s *Soul) contextUsage() float64 {
	limit := s.provider.MaxContextSize()
	if limit <= 0 {
		return 0
	}
	return float64(s.TokensUsed()) / float64(limit)
}

func (s *Soul) shouldAutoCompact() bool {
	return ShouldAutoCompact(
		s.TokensUsed(),
		s.provider.MaxContextSize(),
		s.cfg.Compaction.TriggerRatio,
		s.cfg.Compaction.ReservedContextSize,
	)
}

// compact replaces the history with the compaction result, bracketed by
// CompactionBegin and CompactionEnd events.
func (s *Soul) compact(ctx context.Context, customInstruction string) error {
	s.publish(wire.NewCompactionBegin())
	result, err := s.compaction.Compact(ctx, s.history.Messages(), func(ctx context.Context, req llm.GenerateRequest) (*llm.StepResult, error) {
		return s.generate(ctx, req, nil)
	}, customInstruction)
	if err != nil {
		return err
	}
	if err := s.history.Replace(result.Messages); err != nil {
		return err
	}
	s.setTokensUsed(result.EstimatedTokenCount())
	s.publish(wire.NewCompactionEnd())
	return nil
}

// CompactContext compacts the history on user request, outside the step
// loop.
func (s *Soul) CompactContext(ctx context.Context, customInstruction string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrTurnActive
	}
	s.mu.Unlock()
	return s.compact(ctx, customInstruction)
}

// ClearContext empties the history on user request.
func (s *Soul) ClearContext() error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrTurnActive
	}
	s.mu.Unlock()
	if err := s.history.Clear(); err != nil {
		return err
	}
	s.setTokensUsed(0)
	return nil
}

// Ask sends interactive questions to the attached client and waits for
// its answers. If the client lacks the capability, the request resolves
// with ErrQuestionNotSupported.
func (s *Soul) Ask(ctx context.Context, questions []wire.Question) ([]string, error) {
	msg := wire.NewQuestionRequest(ToolCallIDFromContext(ctx), questions)
	req := msg.Payload.(*wire.QuestionRequest)
	s.bus.Request(msg)

	value, err := req.Wait(ctx)
	if err != nil {
		return nil, err
	}
	answers, _ := value.([]string)
	return answers, nil
}
