// ABOUTME: Per-message cancellation tokens with a sliding inactivity timeout
// ABOUTME: Explicit cancel and stall both cancel the token's context with a distinct cause

package cancellation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow is the inactivity window used when none is configured.
const DefaultWindow = 60 * time.Second

var (
	// ErrCancelled is the context cause of an explicit Cancel.
	ErrCancelled = errors.New("generation cancelled")

	// ErrStalled is the context cause when no progress is reported within the window.
	ErrStalled = errors.New("generation stalled")
)

// Token is the cancellation handle of one in-flight message. Its context is
// cancelled by Cancel, by the sliding timeout, or by the registry's parent.
type Token struct {
	messageID string
	window    time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer

	// mu orders publishing (WhileActive) against cancellation.
	mu        sync.Mutex
	cancelled bool
}

// MessageID returns the message the token guards.
func (t *Token) MessageID() string { return t.messageID }

// Context returns the token's context. context.Cause reports ErrCancelled or
// ErrStalled once it is done for those reasons.
func (t *Token) Context() context.Context { return t.ctx }

// Extend pushes the inactivity deadline to now plus the window. It has no
// effect once the token is cancelled.
func (t *Token) Extend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.timer.Reset(t.window)
}

// Cancelled reports whether the token has been cancelled for any reason.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled || t.ctx.Err() != nil
}

// WhileActive runs fn while holding the token's lock, unless the token is
// already cancelled. It reports whether fn ran. Once cancel has returned,
// no later WhileActive runs fn.
func (t *Token) WhileActive(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (t *Token) cancelWith(cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	t.cancel(cause)
	return true
}

// Registry maps message ids to their tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
	parent context.Context
	window time.Duration
	logger *slog.Logger
}

// NewRegistry creates a registry whose tokens derive from parent. A zero
// window uses DefaultWindow. Pass nil logger for default.
func NewRegistry(parent context.Context, window time.Duration, logger *slog.Logger) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tokens: make(map[string]*Token),
		parent: parent,
		window: window,
		logger: logger.With("component", "cancellation"),
	}
}

// GetToken returns the token for messageID, creating it if absent. The
// inactivity timer starts on creation.
func (r *Registry) GetToken(messageID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[messageID]; ok {
		return t
	}

	ctx, cancel := context.WithCancelCause(r.parent)
	t := &Token{
		messageID: messageID,
		window:    r.window,
		ctx:       ctx,
		cancel:    cancel,
	}
	// Hold the token lock so a very short window cannot fire before timer is set.
	t.mu.Lock()
	t.timer = time.AfterFunc(r.window, func() {
		if t.cancelWith(ErrStalled) {
			r.logger.Warn("generation stalled",
				"message_id", messageID,
				"window", r.window)
		}
	})
	t.mu.Unlock()
	r.tokens[messageID] = t
	return t
}

// Cancel explicitly cancels messageID. It reports whether a live registration
// was found; unknown ids and repeated calls do nothing.
func (r *Registry) Cancel(messageID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[messageID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if !t.cancelWith(ErrCancelled) {
		return false
	}
	r.logger.Info("generation cancelled", "message_id", messageID)
	return true
}

// Remove stops the token's timer, releases its context and forgets it.
func (r *Registry) Remove(messageID string) {
	r.mu.Lock()
	t, ok := r.tokens[messageID]
	delete(r.tokens, messageID)
	r.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.timer.Stop()
	t.mu.Unlock()
	t.cancel(context.Canceled)
}

// CancelAll cancels every registered token. Used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()

	n := 0
	for _, t := range tokens {
		if t.cancelWith(ErrCancelled) {
			n++
		}
	}
	return n
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
