// Package cancel provides the per-operation cancellation token shared by
// streaming generation and model loading.
package cancel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelled is returned by backend sequences once their token is cancelled.
	ErrCancelled = errors.New("operation cancelled")
	// ErrReleased is the context cause after the owning operation finished.
	ErrReleased = errors.New("operation finished")
)

// Token governs exactly one generation or load. It moves from active to
// cancelled at most once; Release ends its lifetime with the operation.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	released  bool
	cause     error
	ctx       context.Context
	cancelCtx context.CancelCauseFunc
	callbacks []func()
	stops     []func() bool
}

// New creates an active token. The parent only contributes values (trace
// spans, request ids); its cancellation must be bridged with Observe.
func New(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancelCtx := context.WithCancelCause(context.WithoutCancel(parent))
	return &Token{ctx: ctx, cancelCtx: cancelCtx}
}

// Cancel moves the token to cancelled. It reports whether this call made the
// transition; later calls, and calls after Release, are no-ops.
func (t *Token) Cancel(cause error) bool {
	if cause == nil {
		cause = ErrCancelled
	}
	t.mu.Lock()
	if t.cancelled || t.released {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.cause = cause
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.cancelCtx(cause)
	for _, fn := range callbacks {
		fn()
	}
	return true
}

// Cancelled reports whether Cancel took effect.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cause returns the error passed to the effective Cancel call.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Context is cancelled when the token is cancelled or released. Backends
// hand it to blocking I/O so in-flight requests unwind.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Done is shorthand for Context().Done().
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// OnCancel registers fn to run once on cancellation. fn runs immediately
// when the token is already cancelled and never runs after Release.
func (t *Token) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	switch {
	case t.released:
		t.mu.Unlock()
	case t.cancelled:
		t.mu.Unlock()
		fn()
	default:
		t.callbacks = append(t.callbacks, fn)
		t.mu.Unlock()
	}
}

// Observe cancels the token with cause the first time signal is done. A
// signal that is already done cancels synchronously so nothing is produced
// after a disconnect that happened before the operation started.
func (t *Token) Observe(signal context.Context, cause error) {
	if signal == nil {
		return
	}
	if signal.Err() != nil {
		t.Cancel(cause)
		return
	}
	stop := context.AfterFunc(signal, func() {
		t.Cancel(cause)
	})
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		stop()
		return
	}
	t.stops = append(t.stops, stop)
	t.mu.Unlock()
}

// Release ends the token together with its operation: observers are
// detached, pending callbacks dropped and the context freed.
func (t *Token) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	stops := t.stops
	t.stops = nil
	t.callbacks = nil
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	t.cancelCtx(ErrReleased)
}
