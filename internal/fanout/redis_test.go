// ABOUTME: Tests for the Redis stream mirror using an in-memory fake client
// ABOUTME: Covers XADD arguments, expiry, tail decoding, resume ids and cancellation

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/conversation"
)

// fakeStreams keeps streams in memory and answers XREAD like Redis does.
type fakeStreams struct {
	mu      sync.Mutex
	streams map[string][]redis.XMessage
	adds    []*redis.XAddArgs
	expires map[string]time.Duration
	seq     int
	readErr error
	changed chan struct{}
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		streams: make(map[string][]redis.XMessage),
		expires: make(map[string]time.Duration),
		changed: make(chan struct{}),
	}
}

func (f *fakeStreams) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.adds = append(f.adds, a)
	values := make(map[string]any)
	for k, v := range a.Values.(map[string]any) {
		values[k] = v
	}
	f.streams[a.Stream] = append(f.streams[a.Stream], redis.XMessage{ID: id, Values: values})
	close(f.changed)
	f.changed = make(chan struct{})
	return redis.NewStringResult(id, nil)
}

func (f *fakeStreams) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStreams) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	key, after := a.Streams[0], a.Streams[1]
	for {
		f.mu.Lock()
		if f.readErr != nil {
			err := f.readErr
			f.mu.Unlock()
			return redis.NewXStreamSliceCmdResult(nil, err)
		}
		var out []redis.XMessage
		for _, msg := range f.streams[key] {
			if after == "0" || idAfter(msg.ID, after) {
				out = append(out, msg)
			}
		}
		wait := f.changed
		f.mu.Unlock()

		if len(out) > 0 {
			return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: key, Messages: out}}, nil)
		}
		select {
		case <-wait:
		case <-time.After(a.Block):
			return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
		case <-ctx.Done():
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		}
	}
}

func idAfter(id, after string) bool {
	var a, b int
	fmt.Sscanf(id, "%d-0", &a)
	fmt.Sscanf(after, "%d-0", &b)
	return a > b
}

func fragment(conv, msg string, id int64, text string) conversation.Fragment {
	return conversation.Fragment{
		ConversationID: conv,
		MessageID:      msg,
		Role:           conversation.RoleAssistant,
		Text:           text,
		FragmentID:     id,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMirror_XAddArguments(t *testing.T) {
	fake := newFakeStreams()
	m := NewRedisMirror(fake, Options{MaxLen: 50, TTL: time.Hour})

	require.NoError(t, m.Mirror(t.Context(), fragment("c1", "m1", 1, "hello")))

	require.Len(t, fake.adds, 1)
	add := fake.adds[0]
	assert.Equal(t, "chorus:conv:c1", add.Stream)
	assert.Equal(t, int64(50), add.MaxLen)
	assert.True(t, add.Approx)
	assert.Contains(t, add.Values.(map[string]any)["fragment"], `"text":"hello"`)
	assert.Equal(t, time.Hour, fake.expires["chorus:conv:c1"])
}

func TestMirror_Defaults(t *testing.T) {
	fake := newFakeStreams()
	m := NewRedisMirror(fake, Options{})
	require.NoError(t, m.Mirror(t.Context(), fragment("c1", "m1", 1, "x")))

	assert.Equal(t, int64(DefaultMaxLen), fake.adds[0].MaxLen)
	assert.Empty(t, fake.expires, "no TTL means no EXPIRE")
}

func TestTail_ReplaysThenFollows(t *testing.T) {
	fake := newFakeStreams()
	m := NewRedisMirror(fake, Options{Block: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	require.NoError(t, m.Mirror(ctx, fragment("c1", "m1", 1, "a")))
	require.NoError(t, m.Mirror(ctx, fragment("other", "x", 1, "noise")))

	got := make(chan Entry, 10)
	go func() {
		defer close(got)
		for e, err := range m.Tail(ctx, "c1", "") {
			if err != nil {
				return
			}
			got <- e
		}
	}()

	first := <-got
	assert.Equal(t, "a", first.Fragment.Text)
	assert.Equal(t, "1-0", first.StreamID)

	require.NoError(t, m.Mirror(ctx, fragment("c1", "m1", 2, "b")))
	second := <-got
	assert.Equal(t, "b", second.Fragment.Text)
	assert.Equal(t, int64(2), second.Fragment.FragmentID)

	cancel()
	for range got {
	}
}

func TestTail_ResumesAfterStreamID(t *testing.T) {
	fake := newFakeStreams()
	m := NewRedisMirror(fake, Options{Block: 10 * time.Millisecond})
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, m.Mirror(t.Context(), fragment("c1", "m1", i, fmt.Sprint(i))))
	}

	var texts []string
	for e, err := range m.Tail(t.Context(), "c1", "1-0") {
		require.NoError(t, err)
		texts = append(texts, e.Fragment.Text)
		if len(texts) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"2", "3"}, texts)
}

func TestTail_MalformedEntry(t *testing.T) {
	fake := newFakeStreams()
	fake.XAdd(t.Context(), &redis.XAddArgs{Stream: StreamKey("c1"), Values: map[string]any{"fragment": "{not json"}})
	m := NewRedisMirror(fake, Options{Block: 10 * time.Millisecond})

	for e, err := range m.Tail(t.Context(), "c1", "0") {
		assert.ErrorIs(t, err, ErrMalformedEntry)
		assert.Equal(t, "1-0", e.StreamID)
		break
	}
}

func TestTail_ReadErrorEndsSequence(t *testing.T) {
	fake := newFakeStreams()
	fake.readErr = errors.New("connection reset")
	m := NewRedisMirror(fake, Options{})

	var errs []error
	for _, err := range m.Tail(t.Context(), "c1", "0") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "connection reset")
}

func TestTail_CancelledContextEndsSilently(t *testing.T) {
	fake := newFakeStreams()
	m := NewRedisMirror(fake, Options{Block: time.Hour})
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	count := 0
	for range m.Tail(ctx, "c1", "0") {
		count++
	}
	assert.Zero(t, count)
}

func TestMirror_WiredIntoStore(t *testing.T) {
	fake := newFakeStreams()
	store := conversation.NewStore(nil)
	store.SetMirror(NewRedisMirror(fake, Options{}))

	_, err := store.Publish("c9", conversation.Fragment{MessageID: "m", Text: "hi"})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.streams[StreamKey("c9")], 1)
}
