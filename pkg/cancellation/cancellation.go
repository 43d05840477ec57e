// Package cancellation implements cooperative cancellation tokens with
// synchronous listener delivery.
//
// A Source owns exactly one Token. Code that starts an operation keeps the
// Source and hands the Token to the code doing the work; the worker polls
// IsCanceled between steps, selects on Done, or registers a listener with
// OnCancel. Cancelling a Source fires the token's listeners exactly once,
// synchronously, in registration order.
//
// Sources can be linked into a hierarchy: a source created with
// NewLinkedSource is cancelled when its parent token is, and detaches from
// the parent when disposed. Disposing a source without cancelling drops all
// pending listeners so that abandoned operations never fire.
package cancellation

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceled is returned by operations that were abandoned because their
// token was cancelled. Wrap it so callers can test with errors.Is.
var ErrCanceled = errors.New("cancellation: operation canceled")

// Token is the read side of a cancellation signal. Tokens are created by a
// Source; the None and Canceled sentinels cover the two terminal cases.
// All methods are safe for concurrent use.
type Token struct {
	mu        sync.Mutex
	canceled  bool
	static    bool // sentinel token: no Source can ever flip it
	nextID    int
	listeners []listener
	done      chan struct{} // lazily created, closed on cancel
}

type listener struct {
	id int
	fn func()
}

// None is a token that can never be cancelled. Operations that take an
// optional token treat nil as None.
var None = &Token{static: true}

// Canceled is a token that was born cancelled. Registering a listener on it
// invokes the listener immediately.
var Canceled = &Token{static: true, canceled: true}

// IsCanceled reports whether cancellation has been requested.
func (t *Token) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.canceled
}

// OnCancel registers fn to run when the token is cancelled. Listeners run
// synchronously on the goroutine that cancels, in registration order,
// exactly once each. If the token is already cancelled, fn runs immediately
// on the calling goroutine.
//
// The returned remove func unregisters fn. It is idempotent, and calling it
// after the token has been cancelled is a no-op.
func (t *Token) OnCancel(fn func()) (remove func()) {
	t.mu.Lock()

	if t.canceled {
		t.mu.Unlock()
		fn()

		return func() {}
	}

	if t.static {
		// None never fires; don't retain the listener.
		t.mu.Unlock()

		return func() {}
	}

	t.nextID++
	id := t.nextID
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)

				return
			}
		}
	}
}

// Done returns a channel that is closed when the token is cancelled. The
// channel for a token that is never cancelled never closes.
func (t *Token) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		t.done = make(chan struct{})
		if t.canceled {
			close(t.done)
		}
	}

	return t.done
}

// Err returns ErrCanceled if the token is cancelled, nil otherwise.
func (t *Token) Err() error {
	if t.IsCanceled() {
		return ErrCanceled
	}

	return nil
}

// cancel flips the token and fires pending listeners. Listeners run without
// the lock held so they may inspect the token or register new listeners.
func (t *Token) cancel() {
	t.mu.Lock()

	if t.canceled {
		t.mu.Unlock()

		return
	}

	t.canceled = true
	fired := t.listeners
	t.listeners = nil

	if t.done != nil {
		close(t.done)
	}
	t.mu.Unlock()

	for _, l := range fired {
		l.fn()
	}
}

// drop discards pending listeners without firing them.
func (t *Token) drop() {
	t.mu.Lock()
	t.listeners = nil
	t.mu.Unlock()
}

// Source creates and controls a single Token. Create one Source per logical
// operation and dispose it when the operation settles.
type Source struct {
	mu       sync.Mutex
	tok      *Token
	unlink   func() // removes the registration on the parent token
	disposed bool
}

// NewSource returns a source with a fresh, uncancelled token.
func NewSource() *Source {
	return &Source{tok: &Token{}}
}

// NewLinkedSource returns a source whose token is cancelled when parent is
// cancelled. If parent is already cancelled, the new token is born
// cancelled. A nil parent behaves like NewSource.
func NewLinkedSource(parent *Token) *Source {
	s := &Source{tok: &Token{}}
	if parent == nil {
		return s
	}

	s.unlink = parent.OnCancel(s.Cancel)

	return s
}

// Token returns the source's token. After Dispose the same token is
// returned, frozen in whatever state Dispose left it.
func (s *Source) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tok
}

// Cancel cancels the token. It is idempotent and a no-op after Dispose.
func (s *Source) Cancel() {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()

		return
	}

	tok := s.tok
	s.mu.Unlock()

	tok.cancel()
}

// Dispose releases the source. With cancel true the token is cancelled
// first; otherwise pending listeners are dropped without firing, freezing
// the token in its current state. The parent link, if any, is removed
// either way. Dispose is idempotent.
func (s *Source) Dispose(cancel bool) {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()

		return
	}

	s.disposed = true
	unlink := s.unlink
	s.unlink = nil
	tok := s.tok
	s.mu.Unlock()

	if unlink != nil {
		unlink()
	}

	if cancel {
		tok.cancel()
	} else {
		tok.drop()
	}
}

// Context returns a child of ctx that is cancelled when tok is cancelled.
// The returned stop func releases the token registration and the context;
// call it when the operation settles to avoid leaking the listener.
func Context(ctx context.Context, tok *Token) (context.Context, context.CancelFunc) {
	if tok == nil {
		tok = None
	}

	ctx, cancel := context.WithCancel(ctx)
	remove := tok.OnCancel(cancel)

	return ctx, func() {
		remove()
		cancel()
	}
}
