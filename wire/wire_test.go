package wire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyondev/halcyon/llm"
)

func receiveOne(t *testing.T, side *Side) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := side.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestPublishBroadcast(t *testing.T) {
	bus := New(nil)
	a := bus.Attach(AttachOptions{})
	b := bus.Attach(AttachOptions{})

	bus.Publish(NewStepBegin(1))

	for _, side := range []*Side{a, b} {
		msg := receiveOne(t, side)
		if msg.Type != TypeStepBegin {
			t.Errorf("expected step_begin, got %s", msg.Type)
		}
	}
}

func TestPublishAfterShutdownIsNoop(t *testing.T) {
	bus := New(nil)
	bus.Shutdown()
	bus.Publish(NewTurnBegin()) // must not panic
	bus.Shutdown()              // idempotent
}

func TestShutdownUnblocksReceivers(t *testing.T) {
	bus := New(nil)
	side := bus.Attach(AttachOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := side.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrWireClosed) {
			t.Errorf("expected ErrWireClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver still blocked after shutdown")
	}
}

func TestShutdownResolvesPendingRequests(t *testing.T) {
	bus := New(nil)
	bus.Attach(AttachOptions{HandleRequests: true})

	msg := NewApprovalRequest("call_1", "main", "shell", "run ls", nil)
	bus.Request(msg)
	bus.Shutdown()

	_, err := msg.Request().Wait(context.Background())
	if !errors.Is(err, ErrWireClosed) {
		t.Errorf("expected ErrWireClosed, got %v", err)
	}
}

func TestRequestRoutedToHandlerSide(t *testing.T) {
	bus := New(nil)
	viewer := bus.Attach(AttachOptions{})
	handler := bus.Attach(AttachOptions{HandleRequests: true})

	msg := NewApprovalRequest("call_1", "main", "shell", "run ls", nil)
	bus.Request(msg)

	got := receiveOne(t, handler)
	if got.Type != TypeApprovalRequest {
		t.Fatalf("expected approval_request on handler side, got %s", got.Type)
	}

	// The viewer side must not see requests.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if m, err := viewer.Receive(ctx); err == nil {
		t.Errorf("viewer unexpectedly received %s", m.Type)
	}

	bus.ResolveRequest(got.Request().RequestID(), "approve")
	value, err := msg.Request().Wait(context.Background())
	if err != nil || value != "approve" {
		t.Errorf("expected approve, got %v, %v", value, err)
	}
}

func TestResolveUnknownRequestIsNoop(t *testing.T) {
	bus := New(nil)
	bus.ResolveRequest("missing", "approve") // must not panic
}

func TestRejectAllPending(t *testing.T) {
	bus := New(nil)
	bus.Attach(AttachOptions{HandleRequests: true})

	first := NewApprovalRequest("call_1", "main", "shell", "a", nil)
	second := NewApprovalRequest("call_2", "main", "shell", "b", nil)
	bus.Request(first)
	bus.Request(second)

	bus.RejectAllPending("reject")

	for _, msg := range []*Message{first, second} {
		value, err := msg.Request().Wait(context.Background())
		if err != nil || value != "reject" {
			t.Errorf("expected reject, got %v, %v", value, err)
		}
	}
}

func TestMergedSideFlattensSubagentEvents(t *testing.T) {
	bus := New(nil)
	merged := bus.Attach(AttachOptions{Merged: true})
	unmerged := bus.Attach(AttachOptions{})

	inner := NewContentPart(llm.TextPart("nested"))
	bus.Publish(NewSubagentEvent("call_1", inner))

	got := receiveOne(t, merged)
	if got.Type != TypeContentPart {
		t.Errorf("merged side: expected flattened content_part, got %s", got.Type)
	}

	raw := receiveOne(t, unmerged)
	if raw.Type != TypeSubagentEvent {
		t.Errorf("unmerged side: expected subagent_event wrapper, got %s", raw.Type)
	}
}

func TestReplayThenLiveOrdering(t *testing.T) {
	bus := New(nil)

	backlog := []*Message{NewTurnBegin(), NewStepBegin(1), NewTurnEnd()}
	side := bus.AttachReplay(backlog, AttachOptions{})
	bus.Publish(NewStepBegin(2))

	wantTypes := []Type{TypeTurnBegin, TypeStepBegin, TypeTurnEnd, TypeStepBegin}
	for i, want := range wantTypes {
		msg := receiveOne(t, side)
		if msg.Type != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msg.Type)
		}
	}
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	bus := New(nil)
	side := bus.Attach(AttachOptions{Buffer: 2})

	bus.Publish(NewStepBegin(1))
	bus.Publish(NewStepBegin(2))
	bus.Publish(NewStepBegin(3)) // evicts step 1

	first := receiveOne(t, side)
	if n := first.Payload.(*StepBegin).N; n != 2 {
		t.Errorf("expected oldest message dropped, first received step %d", n)
	}
}

func TestLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")
	log, err := OpenLog(path)
	if err != nil {
		t.Fatal(err)
	}

	bus := New(log)
	bus.Publish(NewTurnBegin())
	bus.Publish(NewStatusUpdate(0.1, llm.TokenUsage{Input: 10, Output: 2}))
	bus.Shutdown()
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	messages, err := ReadLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 replayable messages, got %d", len(messages))
	}
	if messages[0].Type != TypeTurnBegin || messages[1].Type != TypeStatusUpdate {
		t.Errorf("unexpected types: %s, %s", messages[0].Type, messages[1].Type)
	}
}

func TestReadLogSkipsMetadataAndCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wire.jsonl")
	content := `{"timestamp":1.0,"message":{"type":"turn_begin","payload":{}}}
{"timestamp":2.0,"message":{"type":"metadata","payload":{"note":"bookkeeping"}}}
not json at all
{"timestamp":3.0,"message":{"type":"turn_end","payload":{}}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	messages, err := ReadLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Type != TypeTurnBegin || messages[1].Type != TypeTurnEnd {
		t.Errorf("unexpected types: %s, %s", messages[0].Type, messages[1].Type)
	}
}

func TestReadLogMissingFile(t *testing.T) {
	messages, err := ReadLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty backlog, got %d", len(messages))
	}
}
