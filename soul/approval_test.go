package soul

import (
	"context"
	"testing"
	"time"

	"github.com/halcyondev/halcyon/session"
	"github.com/halcyondev/halcyon/wire"
)

func newTestApproval(t *testing.T) (*Approval, *wire.Wire, *wire.Side) {
	t.Helper()
	bus := wire.New(nil)
	t.Cleanup(bus.Shutdown)
	handler := bus.Attach(wire.AttachOptions{HandleRequests: true})
	state := NewApprovalState(session.ApprovalRecord{})
	return NewApproval(state, bus, "main"), bus, handler
}

func receiveRequest(t *testing.T, side *wire.Side) *wire.ApprovalRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		msg, err := side.Receive(ctx)
		if err != nil {
			t.Fatalf("no approval request arrived: %v", err)
		}
		if req, ok := msg.Payload.(*wire.ApprovalRequest); ok {
			return req
		}
	}
}

func TestYoloBypassesRequests(t *testing.T) {
	approval, _, handler := newTestApproval(t)
	approval.State().SetYolo(true)

	approved, err := approval.Request(context.Background(), "shell", "run ls", nil)
	if err != nil || !approved {
		t.Fatalf("expected immediate approval, got %v, %v", approved, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if msg, err := handler.Receive(ctx); err == nil {
		t.Errorf("yolo must not emit a wire request, got %s", msg.Type)
	}
}

func TestApproveForSessionRoundTrip(t *testing.T) {
	approval, _, handler := newTestApproval(t)

	changes := 0
	approval.State().OnChange(func(record session.ApprovalRecord) {
		changes++
		if len(record.AutoApproveActions) != 1 || record.AutoApproveActions[0] != "shell" {
			t.Errorf("unexpected persisted record: %+v", record)
		}
	})

	type outcome struct {
		approved bool
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		approved, err := approval.Request(context.Background(), "shell", "run ls", []string{"ls"})
		done <- outcome{approved, err}
	}()

	req := receiveRequest(t, handler)
	if req.Action != "shell" || req.Sender != "main" {
		t.Errorf("unexpected request fields: %+v", req)
	}

	select {
	case <-done:
		t.Fatal("request returned before resolution")
	case <-time.After(20 * time.Millisecond):
	}

	approval.ResolveRequest(req.ID, OutcomeApproveForSession)

	res := <-done
	if res.err != nil || !res.approved {
		t.Fatalf("expected approval, got %v, %v", res.approved, res.err)
	}
	if !approval.State().IsAutoApproved("shell") {
		t.Error("action must be auto-approved for the session")
	}
	if changes != 1 {
		t.Errorf("on_change fired %d times, want 1", changes)
	}

	// A repeat request for the same action must not touch the wire.
	approved, err := approval.Request(context.Background(), "shell", "run ls again", nil)
	if err != nil || !approved {
		t.Fatalf("expected immediate approval, got %v, %v", approved, err)
	}
	drained := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		msg, err := handler.Receive(ctx)
		cancel()
		if err != nil {
			break
		}
		if msg.Type == wire.TypeApprovalRequest {
			drained++
		}
	}
	if drained != 0 {
		t.Errorf("repeat request emitted %d new wire requests, want 0", drained)
	}
	if changes != 1 {
		t.Errorf("repeat approval fired on_change again (%d total)", changes)
	}
}

func TestRejectOutcome(t *testing.T) {
	approval, _, handler := newTestApproval(t)

	done := make(chan bool, 1)
	go func() {
		approved, _ := approval.Request(context.Background(), "shell", "rm -rf /tmp/x", nil)
		done <- approved
	}()

	req := receiveRequest(t, handler)
	approval.ResolveRequest(req.ID, OutcomeReject)

	if approved := <-done; approved {
		t.Error("expected denial")
	}
	if approval.State().IsAutoApproved("shell") {
		t.Error("reject must not change state")
	}
}

func TestShareBindsSameState(t *testing.T) {
	approval, _, handler := newTestApproval(t)
	sub := approval.Share("worker")

	done := make(chan bool, 1)
	go func() {
		approved, _ := sub.Request(context.Background(), "web_fetch", "GET example.com", nil)
		done <- approved
	}()

	req := receiveRequest(t, handler)
	if req.Sender != "worker" {
		t.Errorf("subagent request must carry its own sender, got %q", req.Sender)
	}
	sub.ResolveRequest(req.ID, OutcomeApproveForSession)
	<-done

	// The decision is visible through the parent handle.
	if !approval.State().IsAutoApproved("web_fetch") {
		t.Error("shared state must reflect the subagent's decision")
	}
	approved, err := approval.Request(context.Background(), "web_fetch", "GET example.org", nil)
	if err != nil || !approved {
		t.Errorf("parent must inherit the session approval, got %v, %v", approved, err)
	}
}

func TestRequestCarriesToolCallID(t *testing.T) {
	approval, _, handler := newTestApproval(t)

	go func() {
		ctx := WithToolCallID(context.Background(), "call_42")
		_, _ = approval.Request(ctx, "shell", "run ls", nil)
	}()

	req := receiveRequest(t, handler)
	if req.ToolCallID != "call_42" {
		t.Errorf("expected tool call id tag, got %q", req.ToolCallID)
	}
	approval.ResolveRequest(req.ID, OutcomeApprove)
}

func TestFetchRequest(t *testing.T) {
	approval, _, handler := newTestApproval(t)

	go func() {
		_, _ = approval.Request(context.Background(), "shell", "run ls", nil)
	}()

	req := receiveRequest(t, handler)
	fetched, ok := approval.FetchRequest(req.ID)
	if !ok || fetched.ID != req.ID {
		t.Fatalf("expected to fetch pending request %s", req.ID)
	}
	approval.ResolveRequest(req.ID, OutcomeApprove)

	if _, ok := approval.FetchRequest(req.ID); ok {
		t.Error("resolved request must leave the pending registry")
	}
}
