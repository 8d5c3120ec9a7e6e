package wire

import (
	"context"
	"errors"
	"sync"
)

// ErrQuestionNotSupported is stored on a QuestionRequest when the
// attached client cannot present interactive questions.
var ErrQuestionNotSupported = errors.New("attached client does not support interactive questions")

// promise is the single-assignment resolution slot embedded in every
// request payload. The zero value is ready to use; the done channel is
// created lazily so unresolved requests stay comparable after a JSON
// round trip.
type promise struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    any
	err      error
}

// Resolve stores the resolution value and wakes all waiters. Resolving
// an already-resolved request is a no-op.
func (p *promise) Resolve(value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.value = value
	if p.done != nil {
		close(p.done)
	}
}

// SetError stores an error resolution. Like Resolve, it is idempotent
// and loses against an earlier resolution.
func (p *promise) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return
	}
	p.resolved = true
	p.err = err
	if p.done != nil {
		close(p.done)
	}
}

// Resolved reports whether the request has been resolved.
func (p *promise) Resolved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved
}

// Wait blocks until the request is resolved or ctx is done. It returns
// the resolution value, or the stored error if the request was resolved
// with SetError.
func (p *promise) Wait(ctx context.Context) (any, error) {
	p.mu.Lock()
	if p.resolved {
		value, err := p.value, p.err
		p.mu.Unlock()
		return value, err
	}
	if p.done == nil {
		p.done = make(chan struct{})
	}
	done := p.done
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	p.mu.Lock()
	value, err := p.value, p.err
	p.mu.Unlock()
	return value, err
}
