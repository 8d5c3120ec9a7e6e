package soul

import (
	"context"
	"sort"
	"sync"

	"github.com/halcyondev/halcyon/session"
	"github.com/halcyondev/halcyon/wire"
)

// Approval outcomes carried in ApprovalResponse and request resolutions.
const (
	OutcomeApprove           = "approve"
	OutcomeApproveForSession = "approve_for_session"
	OutcomeReject            = "reject"
)

// ApprovalState holds the session-scoped gating policy. It is shared by
// reference across a main agent and all its subagents so decisions are
// global to the agent tree. Every mutation fires the on-change callback
// synchronously, which the session layer uses to persist state.json.
type ApprovalState struct {
	mu          sync.Mutex
	yolo        bool
	autoApprove map[string]struct{}
	onChange    func(session.ApprovalRecord)
}

// NewApprovalState builds the shared state from a persisted record.
func NewApprovalState(record session.ApprovalRecord) *ApprovalState {
	state := &ApprovalState{
		yolo:        record.Yolo,
		autoApprove: make(map[string]struct{}, len(record.AutoApproveActions)),
	}
	for _, action := range record.AutoApproveActions {
		state.autoApprove[action] = struct{}{}
	}
	return state
}

// OnChange registers the callback fired on every mutation.
func (s *ApprovalState) OnChange(fn func(session.ApprovalRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Yolo reports whether all approvals are bypassed.
func (s *ApprovalState) Yolo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yolo
}

// SetYolo toggles approval bypass and fires the change callback.
func (s *ApprovalState) SetYolo(yolo bool) {
	s.mu.Lock()
	if s.yolo == yolo {
		s.mu.Unlock()
		return
	}
	s.yolo = yolo
	fn, record := s.onChange, s.recordLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(record)
	}
}

// IsAutoApproved reports whether the action was approved for the whole
// session.
func (s *ApprovalState) IsAutoApproved(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.autoApprove[action]
	return ok
}

func (s *ApprovalState) addAutoApprove(action string) {
	s.mu.Lock()
	if _, ok := s.autoApprove[action]; ok {
		s.mu.Unlock()
		return
	}
	s.autoApprove[action] = struct{}{}
	fn, record := s.onChange, s.recordLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(record)
	}
}

// Record snapshots the state in its persisted form.
func (s *ApprovalState) Record() session.ApprovalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *ApprovalState) recordLocked() session.ApprovalRecord {
	actions := make([]string, 0, len(s.autoApprove))
	for action := range s.autoApprove {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return session.ApprovalRecord{Yolo: s.yolo, AutoApproveActions: actions}
}

// Approval is one agent's handle on the shared gating state. Subagents
// get their own handle via Share so their requests carry their own
// sender, but all handles consult and mutate the same state.
type Approval struct {
	state  *ApprovalState
	bus    *wire.Wire
	sender string
}

// NewApproval creates the main agent's approval handle.
func NewApproval(state *ApprovalState, bus *wire.Wire, sender string) *Approval {
	return &Approval{state: state, bus: bus, sender: sender}
}

// Share returns a handle for a subagent bound to the same state.
func (a *Approval) Share(sender string) *Approval {
	return &Approval{state: a.state, bus: a.bus, sender: sender}
}

// State returns the shared approval state.
func (a *Approval) State() *ApprovalState { return a.state }

// Request gates a sensitive action. Auto-approved and yolo paths return
// immediately with no wire round trip; otherwise an ApprovalRequest is
// published and the call blocks until it resolves or ctx is done.
func (a *Approval) Request(ctx context.Context, action, description string, display []string) (bool, error) {
	if a.state.Yolo() || a.state.IsAutoApproved(action) {
		return true, nil
	}

	msg := wire.NewApprovalRequest(ToolCallIDFromContext(ctx), a.sender, action, description, display)
	req := msg.Payload.(*wire.ApprovalRequest)
	a.bus.Request(msg)

	value, err := req.Wait(ctx)
	if err != nil {
		return false, err
	}
	outcome, _ := value.(string)
	a.bus.Publish(wire.NewApprovalResponse(req.ID, outcome))

	switch outcome {
	case OutcomeApprove:
		return true, nil
	case OutcomeApproveForSession:
		a.state.addAutoApprove(action)
		return true, nil
	default:
		return false, nil
	}
}

// FetchRequest looks up an outstanding approval request by id, for
// resolvers that do not hold the awaiting goroutine.
func (a *Approval) FetchRequest(id string) (*wire.ApprovalRequest, bool) {
	req, ok := a.bus.PendingRequest(id)
	if !ok {
		return nil, false
	}
	approval, ok := req.(*wire.ApprovalRequest)
	return approval, ok
}

// ResolveRequest resolves an outstanding approval request by id.
// Unknown or already-resolved ids are no-ops.
func (a *Approval) ResolveRequest(id, outcome string) {
	a.bus.ResolveRequest(id, outcome)
}
