// ABOUTME: Pull-based reader over a conversation log with its own read offset
// ABOUTME: Blocks on the log's broadcast channel until a matching fragment is appended

package conversation

import (
	"context"
	"iter"
)

// Subscription reads one conversation's log from a cursor onward. It never
// ends on its own: a final fragment does not close it. A Subscription is not
// safe for concurrent use; open one per reader.
type Subscription struct {
	conversationID string
	log            *conversationLog
	cursor         Cursor
	offset         int
	afterOrdinal   int // only messages created after this ordinal match; -1 disables
}

// position resolves the cursor against the log. Caller holds log.mu.
func (s *Subscription) position() {
	s.afterOrdinal = -1
	s.offset = 0

	c := s.cursor
	switch {
	case c.IsZero():
		return
	case c.FragmentID > 0:
		if c.FragmentID > int64(len(s.log.fragments)) {
			s.cursor = Cursor{}
			return
		}
		if c.MessageID != "" {
			if _, ok := s.log.order[c.MessageID]; !ok {
				s.cursor = Cursor{}
				return
			}
		}
		s.offset = int(c.FragmentID)
	default:
		ord, ok := s.log.order[c.MessageID]
		if !ok {
			s.cursor = Cursor{}
			return
		}
		s.afterOrdinal = ord
	}
}

// matches reports whether f passes the cursor filter. Caller holds log.mu.
func (s *Subscription) matches(f Fragment) bool {
	if s.afterOrdinal < 0 {
		return true
	}
	return s.log.order[f.MessageID] > s.afterOrdinal
}

// ConversationID returns the conversation this subscription reads.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Next returns the next matching fragment, blocking until one is published,
// the log is dropped, or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Fragment, error) {
	for {
		l := s.log
		l.mu.RLock()
		for s.offset < len(l.fragments) {
			f := l.fragments[s.offset]
			s.offset++
			if s.matches(f) {
				l.mu.RUnlock()
				return f, nil
			}
		}
		dropped := l.dropped
		wake := l.wake
		l.mu.RUnlock()

		if dropped {
			return Fragment{}, ErrConversationDropped
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return Fragment{}, ctx.Err()
		}
	}
}

// All yields fragments until ctx ends or the log is dropped. Context
// cancellation ends the sequence silently; a drop is yielded as an error.
func (s *Subscription) All(ctx context.Context) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		for {
			f, err := s.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					yield(Fragment{}, err)
				}
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
