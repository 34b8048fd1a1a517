// ABOUTME: Mock TranscriptStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory TranscriptStore implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	turns         map[string][]*Turn // keyed by conversation ID, insertion order
	saveErr       error
}

var _ TranscriptStore = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		turns:         make(map[string][]*Turn),
	}
}

// FailSaves makes every later SaveTurn return err. Pass nil to recover.
func (m *MockStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// EnsureConversation stores or bumps a conversation.
func (m *MockStore) EnsureConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(*conv)
	return nil
}

func (m *MockStore) ensureLocked(conv Conversation) {
	now := time.Now().UTC()
	existing, ok := m.conversations[conv.ID]
	if !ok {
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = now
		}
		if conv.UpdatedAt.IsZero() {
			conv.UpdatedAt = now
		}
		m.conversations[conv.ID] = &conv
		return
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	if conv.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = conv.UpdatedAt
	}
	if conv.Workflow != "" {
		existing.Workflow = conv.Workflow
	}
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns copies ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cp := *c
		convs = append(convs, &cp)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// SaveTurn stores a copy of turn, replacing an earlier turn with the same message ID.
func (m *MockStore) SaveTurn(ctx context.Context, turn *Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}

	t := *turn
	t.Agents = slices.Clone(turn.Agents)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = t.CreatedAt
	}
	m.ensureLocked(Conversation{ID: t.ConversationID, CreatedAt: t.CreatedAt, UpdatedAt: t.FinishedAt})

	list := m.turns[t.ConversationID]
	for i, existing := range list {
		if existing.MessageID == t.MessageID {
			list[i] = &t
			return nil
		}
	}
	m.turns[t.ConversationID] = append(list, &t)
	return nil
}

// ListTurns returns copies of the most recent limit turns, oldest first.
func (m *MockStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := slices.Clone(m.turns[conversationID])
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}

	result := make([]*Turn, len(list))
	for i, t := range list {
		cp := *t
		cp.Agents = slices.Clone(t.Agents)
		result[i] = &cp
	}
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
