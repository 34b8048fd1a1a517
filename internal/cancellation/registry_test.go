// ABOUTME: Tests for the cancellation registry
// ABOUTME: Covers idempotent registration, explicit cancel, stall timeout and publish gating

package cancellation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestGetToken_Idempotent(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	a := r.GetToken("m1")
	b := r.GetToken("m1")
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "m1", a.MessageID())
}

func TestCancel_SetsCause(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	tok := r.GetToken("m1")

	assert.True(t, r.Cancel("m1"))
	waitDone(t, tok.Context())
	assert.ErrorIs(t, context.Cause(tok.Context()), ErrCancelled)
	assert.True(t, tok.Cancelled())

	assert.False(t, r.Cancel("m1"), "second cancel is a no-op")
}

func TestCancel_UnknownIsNoop(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	assert.False(t, r.Cancel("nope"))
	assert.Equal(t, 0, r.Len())
}

func TestStall_CancelsWithStalledCause(t *testing.T) {
	r := NewRegistry(t.Context(), 30*time.Millisecond, nil)
	tok := r.GetToken("m1")

	waitDone(t, tok.Context())
	assert.ErrorIs(t, context.Cause(tok.Context()), ErrStalled)
	assert.False(t, r.Cancel("m1"), "stalled token is already cancelled")
}

func TestExtend_PostponesStall(t *testing.T) {
	r := NewRegistry(t.Context(), 80*time.Millisecond, nil)
	tok := r.GetToken("m1")

	for range 5 {
		time.Sleep(30 * time.Millisecond)
		tok.Extend()
	}
	assert.NoError(t, tok.Context().Err(), "regular progress keeps the token alive")

	waitDone(t, tok.Context())
	assert.ErrorIs(t, context.Cause(tok.Context()), ErrStalled)
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(t.Context())
	r := NewRegistry(parent, time.Minute, nil)
	tok := r.GetToken("m1")

	cancel()
	waitDone(t, tok.Context())
	assert.False(t, tok.WhileActive(func() {}))
}

func TestWhileActive_NoRunAfterCancelReturns(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	tok := r.GetToken("m1")

	var ran atomic.Int64
	var afterCancel atomic.Bool
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Go(func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			tok.WhileActive(func() {
				if afterCancel.Load() {
					t.Error("fn ran after Cancel returned")
				}
				ran.Add(1)
			})
		}
	})

	time.Sleep(10 * time.Millisecond)
	require.True(t, r.Cancel("m1"))
	afterCancel.Store(true)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Positive(t, ran.Load())
}

func TestRemove_ForgetsAndReleases(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	tok := r.GetToken("m1")

	r.Remove("m1")
	assert.Equal(t, 0, r.Len())
	waitDone(t, tok.Context())
	assert.False(t, r.Cancel("m1"))

	fresh := r.GetToken("m1")
	assert.NotSame(t, tok, fresh)
	assert.NoError(t, fresh.Context().Err())

	r.Remove("unknown")
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry(t.Context(), time.Minute, nil)
	a := r.GetToken("a")
	b := r.GetToken("b")
	r.Cancel("b")

	assert.Equal(t, 1, r.CancelAll())
	waitDone(t, a.Context())
	waitDone(t, b.Context())
}

func TestDefaultWindow(t *testing.T) {
	r := NewRegistry(t.Context(), 0, nil)
	assert.Equal(t, DefaultWindow, r.window)
}
