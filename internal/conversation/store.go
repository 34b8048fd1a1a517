// ABOUTME: In-memory per-conversation fragment log with consumer-driven subscriptions
// ABOUTME: Producers append under a lock and wake readers by swapping a broadcast channel

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrInvalidFragment is returned by Publish when a fragment has no message id.
	ErrInvalidFragment = errors.New("fragment requires a message id")

	// ErrConversationDropped is returned to subscribers of a log removed by Drop.
	ErrConversationDropped = errors.New("conversation dropped")
)

// mirrorTimeout bounds a single mirror write.
const mirrorTimeout = 2 * time.Second

// Mirror receives a copy of every published fragment, e.g. for cross-process
// fan-out. Writes for one conversation are delivered one at a time in
// fragment id order, off the publishing goroutine. Errors are logged and
// never fail a publish.
type Mirror interface {
	Mirror(ctx context.Context, f Fragment) error
}

// conversationLog is the shared append-only slice of one conversation.
// Fragment ids are dense: fragments[i].FragmentID == i+1.
type conversationLog struct {
	mu        sync.RWMutex
	fragments []Fragment
	order     map[string]int // message id -> creation ordinal
	wake      chan struct{}
	dropped   bool

	// fragments waiting for the mirror, in id order; mirroring is set while
	// a drain goroutine owns the queue
	mirrorQueue []Fragment
	mirroring   bool
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		order: make(map[string]int),
		wake:  make(chan struct{}),
	}
}

// Store holds the fragment logs of all live conversations.
type Store struct {
	mu        sync.RWMutex
	logs      map[string]*conversationLog
	mirror    Mirror
	observers []func(Fragment)
	now       func() time.Time
	logger    *slog.Logger

	mirrors sync.WaitGroup
}

// NewStore creates an empty store. Pass nil logger for default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logs:   make(map[string]*conversationLog),
		now:    time.Now,
		logger: logger.With("component", "fragment_store"),
	}
}

// SetMirror installs a fan-out mirror. Must be called before the first Publish.
func (s *Store) SetMirror(m Mirror) {
	s.mirror = m
}

// OnPublish registers fn to be called after every append, outside any lock.
// Must be called before the first Publish.
func (s *Store) OnPublish(fn func(Fragment)) {
	s.observers = append(s.observers, fn)
}

// getOrCreate returns the log for conversationID, creating it if absent.
func (s *Store) getOrCreate(conversationID string) *conversationLog {
	s.mu.RLock()
	l, ok := s.logs[conversationID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		return l
	}
	l = newConversationLog()
	s.logs[conversationID] = l
	s.logger.Debug("conversation log created", "conversation_id", conversationID)
	return l
}

// Publish appends f to the conversation's log and wakes every blocked
// subscriber. The returned fragment carries the assigned FragmentID and
// CreatedAt. Concurrent producers are serialized by the log lock, so every
// subscriber observes the same total order.
func (s *Store) Publish(conversationID string, f Fragment) (Fragment, error) {
	if f.MessageID == "" {
		return Fragment{}, ErrInvalidFragment
	}
	if f.Role == "" {
		f.Role = RoleAssistant
	}
	f.ConversationID = conversationID

	l := s.getOrCreate(conversationID)

	l.mu.Lock()
	if l.dropped {
		// Lost a race with Drop; start a fresh log so the fragment is not lost.
		l.mu.Unlock()
		s.mu.Lock()
		if cur, ok := s.logs[conversationID]; ok && cur == l {
			delete(s.logs, conversationID)
		}
		s.mu.Unlock()
		return s.Publish(conversationID, f)
	}
	f.FragmentID = int64(len(l.fragments)) + 1
	f.CreatedAt = s.now()
	if _, seen := l.order[f.MessageID]; !seen {
		l.order[f.MessageID] = len(l.order)
	}
	l.fragments = append(l.fragments, f)
	close(l.wake)
	l.wake = make(chan struct{})
	if s.mirror != nil {
		l.mirrorQueue = append(l.mirrorQueue, f)
		if !l.mirroring {
			l.mirroring = true
			s.mirrors.Add(1)
			go s.drainMirror(l)
		}
	}
	l.mu.Unlock()

	for _, fn := range s.observers {
		fn(f)
	}
	return f, nil
}

// drainMirror hands queued fragments of l to the mirror until the queue is
// empty. At most one drain runs per log, so mirror order equals log order.
func (s *Store) drainMirror(l *conversationLog) {
	defer s.mirrors.Done()
	for {
		l.mu.Lock()
		batch := l.mirrorQueue
		l.mirrorQueue = nil
		if len(batch) == 0 {
			l.mirroring = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		for _, f := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			if err := s.mirror.Mirror(ctx, f); err != nil {
				s.logger.Warn("mirror failed",
					"error", err,
					"conversation_id", f.ConversationID,
					"fragment_id", f.FragmentID)
			}
			cancel()
		}
	}
}

// FlushMirror waits until every queued fragment has been handed to the
// mirror, or ctx ends. Call it once producers have stopped.
func (s *Store) FlushMirror(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mirrors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe opens a subscription positioned by cursor. The subscription is
// lazy: nothing is read until Next or All is called. A cursor naming a message
// this log has never seen, or a fragment beyond its end, replays from the start.
func (s *Store) Subscribe(conversationID string, cursor Cursor) *Subscription {
	l := s.getOrCreate(conversationID)
	sub := &Subscription{
		conversationID: conversationID,
		log:            l,
		cursor:         cursor,
	}

	l.mu.RLock()
	sub.position()
	l.mu.RUnlock()

	if sub.cursor.IsZero() && !cursor.IsZero() {
		s.logger.Debug("unknown cursor, replaying from start",
			"conversation_id", conversationID,
			"cursor", cursor.String())
	}
	return sub
}

// Snapshot returns a copy of the conversation's current log.
func (s *Store) Snapshot(conversationID string) []Fragment {
	s.mu.RLock()
	l, ok := s.logs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Fragment, len(l.fragments))
	copy(out, l.fragments)
	return out
}

// Exists reports whether a log is held for conversationID.
func (s *Store) Exists(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[conversationID]
	return ok
}

// Len returns the number of conversation logs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Drop removes a conversation's log. Subscribers drain what they have not yet
// read and then receive ErrConversationDropped.
func (s *Store) Drop(conversationID string) {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	delete(s.logs, conversationID)
	s.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	l.dropped = true
	close(l.wake)
	l.wake = make(chan struct{})
	l.mu.Unlock()

	s.logger.Debug("conversation log dropped", "conversation_id", conversationID)
}
