// ABOUTME: Tests for the fragment store and subscriptions
// ABOUTME: Covers ordering, cursor resumption, fan-out and dropping

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, s *Store, conv, msg, text string) Fragment {
	t.Helper()
	f, err := s.Publish(conv, Fragment{MessageID: msg, Role: RoleAssistant, Text: text})
	require.NoError(t, err)
	return f
}

// drain reads n fragments, failing the test if they do not arrive promptly.
func drain(t *testing.T, sub *Subscription, n int) []Fragment {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	out := make([]Fragment, 0, n)
	for range n {
		f, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// assertIdle checks that no further fragment is available.
func assertIdle(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func texts(fs []Fragment) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Text
	}
	return out
}

func TestStore_PublishAssignsIncreasingIDs(t *testing.T) {
	s := NewStore(nil)

	a := publish(t, s, "c1", "m1", "a")
	b := publish(t, s, "c1", "m1", "b")
	other := publish(t, s, "c2", "m9", "x")

	assert.Equal(t, int64(1), a.FragmentID)
	assert.Equal(t, int64(2), b.FragmentID)
	assert.Equal(t, int64(1), other.FragmentID, "ids are per conversation")
	assert.Equal(t, "c1", a.ConversationID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestStore_PublishRejectsMissingMessageID(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Publish("c1", Fragment{Text: "orphan"})
	assert.ErrorIs(t, err, ErrInvalidFragment)
	assert.False(t, s.Exists("c1"))
}

func TestStore_PublishDefaultsRole(t *testing.T) {
	s := NewStore(nil)
	f, err := s.Publish("c1", Fragment{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, f.Role)
}

func TestSubscribe_ZeroCursorReplaysThenGoesLive(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "one")
	publish(t, s, "c1", "m1", "two")

	sub := s.Subscribe("c1", Cursor{})
	got := drain(t, sub, 2)
	assert.Equal(t, []string{"one", "two"}, texts(got))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = s.Publish("c1", Fragment{MessageID: "m1", Text: "three"})
	}()
	live := drain(t, sub, 1)
	assert.Equal(t, "three", live[0].Text)
}

func TestSubscribe_BeforeAnyPublish(t *testing.T) {
	s := NewStore(nil)
	sub := s.Subscribe("fresh", Cursor{})
	assert.True(t, s.Exists("fresh"))

	publish(t, s, "fresh", "m1", "hi")
	got := drain(t, sub, 1)
	assert.Equal(t, "hi", got[0].Text)
}

func TestSubscribe_CursorWithFragmentResumesExactly(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "a")
	mark := publish(t, s, "c1", "m1", "b")
	publish(t, s, "c1", "m2", "c")
	publish(t, s, "c1", "m1", "d")

	sub := s.Subscribe("c1", CursorOf(mark))
	got := drain(t, sub, 2)
	assert.Equal(t, []string{"c", "d"}, texts(got))
	assertIdle(t, sub)
}

func TestSubscribe_MessageOnlyCursorSkipsEarlierMessages(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "a")
	publish(t, s, "c1", "m2", "b")
	publish(t, s, "c1", "m1", "c")
	publish(t, s, "c1", "m3", "d")

	sub := s.Subscribe("c1", Cursor{MessageID: "m1"})
	got := drain(t, sub, 2)
	assert.Equal(t, []string{"b", "d"}, texts(got))
	assertIdle(t, sub)

	// Later fragments of m1 stay filtered; new messages pass.
	publish(t, s, "c1", "m1", "e")
	publish(t, s, "c1", "m4", "f")
	got = drain(t, sub, 1)
	assert.Equal(t, "f", got[0].Text)
}

func TestSubscribe_UnknownCursorReplaysFromStart(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "a")
	publish(t, s, "c1", "m1", "b")

	tests := []struct {
		name   string
		cursor Cursor
	}{
		{"unknown message", Cursor{MessageID: "gone"}},
		{"unknown message with fragment", Cursor{MessageID: "gone", FragmentID: 1}},
		{"fragment past end", Cursor{MessageID: "m1", FragmentID: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := s.Subscribe("c1", tt.cursor)
			got := drain(t, sub, 2)
			assert.Equal(t, []string{"a", "b"}, texts(got))
		})
	}
}

func TestSubscribe_FinalFragmentDoesNotEndSequence(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Publish("c1", Fragment{MessageID: "m1", IsFinal: true})
	require.NoError(t, err)
	publish(t, s, "c1", "m2", "next turn")

	sub := s.Subscribe("c1", Cursor{})
	got := drain(t, sub, 2)
	assert.True(t, got[0].IsFinal)
	assert.Equal(t, "next turn", got[1].Text)
}

func TestSubscribe_IndependentOffsets(t *testing.T) {
	s := NewStore(nil)
	fast := s.Subscribe("c1", Cursor{})
	slow := s.Subscribe("c1", Cursor{})

	for i := range 100 {
		publish(t, s, "c1", "m1", fmt.Sprint(i))
	}

	got := drain(t, fast, 100)
	assert.Equal(t, "99", got[99].Text)

	first := drain(t, slow, 1)
	assert.Equal(t, "0", first[0].Text, "slow reader starts where it left off")
}

func TestSubscribe_AllStopsOnContextCancel(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "a")

	ctx, cancel := context.WithCancel(t.Context())
	var seen []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f, err := range s.Subscribe("c1", Cursor{}).All(ctx) {
			if err != nil {
				return
			}
			seen = append(seen, f.Text)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("All did not return after cancel")
	}
	assert.Equal(t, []string{"a"}, seen)
}

func TestDrop_WakesSubscribersWithError(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "a")
	sub := s.Subscribe("c1", Cursor{})
	drain(t, sub, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(t.Context())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Drop("c1")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConversationDropped)
	case <-time.After(time.Second):
		t.Fatal("subscriber not woken by drop")
	}
	assert.False(t, s.Exists("c1"))
	assert.Nil(t, s.Snapshot("c1"))
}

func TestDrop_UnknownIsNoop(t *testing.T) {
	s := NewStore(nil)
	s.Drop("never")
	assert.Equal(t, 0, s.Len())
}

func TestStore_PublishAfterDropStartsFreshLog(t *testing.T) {
	s := NewStore(nil)
	publish(t, s, "c1", "m1", "old")
	s.Drop("c1")

	f := publish(t, s, "c1", "m2", "new")
	assert.Equal(t, int64(1), f.FragmentID)
	assert.Len(t, s.Snapshot("c1"), 1)
}

type recordingMirror struct {
	mu   sync.Mutex
	got  []Fragment
	fail bool
}

func (m *recordingMirror) Mirror(_ context.Context, f Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, f)
	if m.fail {
		return errors.New("mirror down")
	}
	return nil
}

func TestStore_MirrorAndObservers(t *testing.T) {
	s := NewStore(nil)
	m := &recordingMirror{fail: true}
	s.SetMirror(m)
	var observed []int64
	s.OnPublish(func(f Fragment) { observed = append(observed, f.FragmentID) })

	_, err := s.Publish("c1", Fragment{MessageID: "m1", Text: "x"})
	require.NoError(t, err, "mirror failure must not fail publish")
	publish(t, s, "c1", "m1", "y")
	require.NoError(t, s.FlushMirror(t.Context()))

	assert.Len(t, m.got, 2)
	assert.Equal(t, []int64{1, 2}, observed)
}

// slowMirror sleeps a varying amount before recording each fragment.
type slowMirror struct {
	recordingMirror
	calls atomic.Int64
}

func (m *slowMirror) Mirror(ctx context.Context, f Fragment) error {
	time.Sleep(time.Duration(m.calls.Add(1)%5) * 40 * time.Microsecond)
	return m.recordingMirror.Mirror(ctx, f)
}

func TestStore_MirrorKeepsLogOrderUnderConcurrentProducers(t *testing.T) {
	s := NewStore(nil)
	m := &slowMirror{}
	s.SetMirror(m)

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Go(func() {
			for i := range 50 {
				_, _ = s.Publish("c1", Fragment{MessageID: fmt.Sprintf("m%d", p), Text: fmt.Sprint(i)})
			}
		})
	}
	wg.Wait()
	require.NoError(t, s.FlushMirror(t.Context()))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.got, 200)
	assert.Equal(t, s.Snapshot("c1"), m.got, "the mirror sees the log's order")
}

// blockingMirror holds every write until release is closed.
type blockingMirror struct {
	release chan struct{}
}

func (m *blockingMirror) Mirror(ctx context.Context, _ Fragment) error {
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStore_PublishDoesNotWaitForMirror(t *testing.T) {
	s := NewStore(nil)
	m := &blockingMirror{release: make(chan struct{})}
	s.SetMirror(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 3 {
			_, _ = s.Publish("c1", Fragment{MessageID: "m1", Text: fmt.Sprint(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled mirror")
	}

	close(m.release)
	require.NoError(t, s.FlushMirror(t.Context()))
}

func TestStore_ConcurrentProducersTotalOrder(t *testing.T) {
	s := NewStore(nil)
	subA := s.Subscribe("c1", Cursor{})
	subB := s.Subscribe("c1", Cursor{})

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Go(func() {
			for i := range 25 {
				_, _ = s.Publish("c1", Fragment{MessageID: fmt.Sprintf("m%d", p), Text: fmt.Sprint(i)})
			}
		})
	}
	wg.Wait()

	a := drain(t, subA, 200)
	b := drain(t, subB, 200)
	require.Equal(t, a, b, "every subscriber observes the same order")
	for i, f := range a {
		assert.Equal(t, int64(i+1), f.FragmentID)
	}
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		in      string
		want    Cursor
		wantErr bool
	}{
		{"", Cursor{}, false},
		{"m1", Cursor{MessageID: "m1"}, false},
		{"m1/7", Cursor{MessageID: "m1", FragmentID: 7}, false},
		{"/7", Cursor{}, true},
		{"m1/x", Cursor{}, true},
		{"m1/-2", Cursor{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCursor(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCursor)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

// TestResumeProperty checks that resuming from any delivered fragment yields
// exactly the suffix after it, whatever the interleaving of messages.
func TestResumeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resume yields the exact suffix", prop.ForAll(
		func(owners []int, cut int) bool {
			if len(owners) == 0 {
				return true
			}
			s := NewStore(nil)
			all := make([]Fragment, 0, len(owners))
			for i, o := range owners {
				f, err := s.Publish("c", Fragment{MessageID: fmt.Sprintf("m%d", o), Text: fmt.Sprint(i)})
				if err != nil {
					return false
				}
				all = append(all, f)
			}

			k := cut % len(all)
			sub := s.Subscribe("c", CursorOf(all[k]))
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			for _, want := range all[k+1:] {
				got, err := sub.Next(ctx)
				if err != nil || got.FragmentID != want.FragmentID {
					return false
				}
			}

			idle, stop := context.WithTimeout(context.Background(), 5*time.Millisecond)
			defer stop()
			_, err := sub.Next(idle)
			return errors.Is(err, context.DeadlineExceeded)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
