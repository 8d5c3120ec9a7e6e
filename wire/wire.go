package wire

import (
	"context"
	"errors"
	"sync"
)

// ErrWireClosed is observed by receivers and request waiters after the
// bus shuts down.
var ErrWireClosed = errors.New("wire is closed")

const defaultSideBuffer = 256

// AttachOptions configures a consumer side.
type AttachOptions struct {
	// Merged sides see SubagentEvent payloads flattened one level into
	// the top-level stream. Unmerged sides see the wrapper intact.
	Merged bool

	// HandleRequests designates this side as the request handler. At
	// most one side handles requests; a later attach takes over.
	HandleRequests bool

	// Buffer overrides the side's queue capacity.
	Buffer int
}

// Wire is the session's event/request bus. Events are broadcast to all
// attached sides; requests go to the handler side and are correlated
// back by id. All messages pass through the persisted log when one is
// configured.
type Wire struct {
	mu      sync.Mutex
	closed  bool
	sides   []*Side
	handler *Side
	pending map[string]Request
	log     *Log
}

// New creates a bus. log may be nil to disable persistence.
func New(log *Log) *Wire {
	return &Wire{
		pending: make(map[string]Request),
		log:     log,
	}
}

// Publish broadcasts an event to every attached side. Publishing after
// shutdown is a no-op. A side that falls behind loses its oldest queued
// messages; the publisher never blocks.
func (w *Wire) Publish(msg *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.logAppend(msg)
	for _, side := range w.sides {
		side.deliver(msg)
	}
}

// Request enqueues a request message to the handler side and returns
// immediately. The caller obtains the answer via msg.Request().Wait.
// After shutdown the request resolves with ErrWireClosed instead of
// being delivered.
func (w *Wire) Request(msg *Message) {
	req := msg.Request()
	if req == nil {
		w.Publish(msg)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		req.SetError(ErrWireClosed)
		return
	}
	w.logAppend(msg)
	w.pending[req.RequestID()] = req
	if w.handler != nil {
		w.handler.deliver(msg)
	}
}

// PendingRequest looks up an outstanding request by id.
func (w *Wire) PendingRequest(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.pending[id]
	return req, ok
}

// ResolveRequest resolves an outstanding request by id. Resolving an
// unknown or already-resolved request is a no-op.
func (w *Wire) ResolveRequest(id string, value any) {
	w.mu.Lock()
	req, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if ok {
		req.Resolve(value)
	}
}

// RejectAllPending resolves every outstanding request with the given
// value. Used on cancellation so suspended tool tasks unblock.
func (w *Wire) RejectAllPending(value any) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]Request)
	w.mu.Unlock()
	for _, req := range pending {
		req.Resolve(value)
	}
}

// Attach adds a live consumer side.
func (w *Wire) Attach(opts AttachOptions) *Side {
	return w.attach(opts, nil)
}

// AttachReplay adds a consumer side that first receives the backlog,
// then flips to live delivery. Events published during the drain are
// buffered and flushed in order after the backlog; nothing is lost or
// reordered across the transition.
func (w *Wire) AttachReplay(backlog []*Message, opts AttachOptions) *Side {
	return w.attach(opts, backlog)
}

func (w *Wire) attach(opts AttachOptions, backlog []*Message) *Side {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultSideBuffer
	}
	if len(backlog) > 0 && buffer < len(backlog)+defaultSideBuffer {
		buffer = len(backlog) + defaultSideBuffer
	}

	side := &Side{
		wire:   w,
		ch:     make(chan *Message, buffer),
		merged: opts.Merged,
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(side.ch)
		side.closed = true
		return side
	}
	if backlog != nil {
		side.replaying = true
	}
	w.sides = append(w.sides, side)
	if opts.HandleRequests {
		w.handler = side
	}
	w.mu.Unlock()

	if backlog != nil {
		for _, msg := range backlog {
			side.push(msg)
		}
		side.endReplay()
	}
	return side
}

// Detach removes a side from the bus and closes its queue.
func (w *Wire) Detach(side *Side) {
	w.mu.Lock()
	for i, s := range w.sides {
		if s == side {
			w.sides = append(w.sides[:i], w.sides[i+1:]...)
			break
		}
	}
	if w.handler == side {
		w.handler = nil
	}
	w.mu.Unlock()
	side.close()
}

// Shutdown marks the bus closed. Blocked receivers observe ErrWireClosed
// and every outstanding request resolves with ErrWireClosed.
func (w *Wire) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sides := w.sides
	w.sides = nil
	w.handler = nil
	pending := w.pending
	w.pending = make(map[string]Request)
	w.mu.Unlock()

	for _, req := range pending {
		req.SetError(ErrWireClosed)
	}
	for _, side := range sides {
		side.close()
	}
}

func (w *Wire) logAppend(msg *Message) {
	if w.log != nil {
		w.log.Append(msg)
	}
}

// Side is one attached consumer's view of the bus.
type Side struct {
	wire      *Wire
	ch        chan *Message
	merged    bool
	mu        sync.Mutex
	closed    bool
	replaying bool
	buf       []*Message
}

// Receive returns the next message for this side, blocking until one is
// available, ctx is done, or the bus shuts down.
func (s *Side) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrWireClosed
		}
		return msg, nil
	}
}

// deliver routes a live message to this side, buffering during replay.
func (s *Side) deliver(msg *Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.replaying {
		s.buf = append(s.buf, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.push(msg)
}

// push enqueues a message, flattening subagent envelopes for merged
// sides and dropping the oldest queued message when full.
func (s *Side) push(msg *Message) {
	if s.merged {
		if sub, ok := msg.Payload.(*SubagentEvent); ok && sub.Event != nil {
			msg = sub.Event
		}
	}
	select {
	case s.ch <- msg:
		return
	default:
	}
	// Queue full. Drop the oldest message so the publisher never stalls
	// on a slow consumer.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// endReplay flushes messages buffered during replay and flips the side
// to live delivery. The lock is held across the flush so a concurrent
// deliver cannot slip a live message ahead of the buffered ones.
func (s *Side) endReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.buf {
		s.push(msg)
	}
	s.buf = nil
	s.replaying = false
}

func (s *Side) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
