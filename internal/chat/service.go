// ABOUTME: Chat service that accepts user messages and streams assistant replies into the fragment log
// ABOUTME: Owns cancellation tokens, conversation retention, idempotency keys and transcript archiving

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chorus-gateway/internal/agents"
	"github.com/2389/chorus-gateway/internal/cancellation"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/retention"
	"github.com/2389/chorus-gateway/internal/store"
	"github.com/2389/chorus-gateway/internal/telemetry"
	"github.com/2389/chorus-gateway/internal/workflow"
)

var (
	// ErrEmptyMessage is returned when the user text is blank.
	ErrEmptyMessage = errors.New("message text is required")

	// ErrDuplicateRequest is returned, with the original handle, when a
	// request id is reused within the idempotency window.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("chat service is shutting down")

	// ErrNoWorkflows is returned for workflow turns when no orchestrator is configured.
	ErrNoWorkflows = errors.New("workflows are not configured")

	// ErrNoArchive is returned by Transcript when no transcript store is configured.
	ErrNoArchive = errors.New("transcript archive is not configured")
)

// Defaults applied by New for zero Options fields.
const (
	DefaultPlaceholderText    = "Thinking..."
	DefaultErrorText          = "My apologies, but I encountered an unexpected error."
	DefaultMaxHistoryMessages = 20
	DefaultConversationTTL    = time.Hour
	DefaultMaxConversations   = 10000
	DefaultIdempotencyTTL     = 10 * time.Minute
)

// archiveTimeout bounds each transcript write.
const archiveTimeout = 5 * time.Second

// Options tunes turn handling.
type Options struct {
	PlaceholderText    string
	ErrorText          string
	StallTimeout       time.Duration
	MaxHistoryMessages int
	ConversationTTL    time.Duration
	MaxConversations   int
	IdempotencyTTL     time.Duration
	// Agent answers turns that name no workflow.
	Agent string
}

func (o *Options) applyDefaults() {
	if o.PlaceholderText == "" {
		o.PlaceholderText = DefaultPlaceholderText
	}
	if o.ErrorText == "" {
		o.ErrorText = DefaultErrorText
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = cancellation.DefaultWindow
	}
	if o.MaxHistoryMessages <= 0 {
		o.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if o.ConversationTTL <= 0 {
		o.ConversationTTL = DefaultConversationTTL
	}
	if o.MaxConversations <= 0 {
		o.MaxConversations = DefaultMaxConversations
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if o.Agent == "" {
		o.Agent = agents.Answer
	}
}

// Deps are the collaborators of a Service. Fragments and Runner are
// required; the rest are optional.
type Deps struct {
	Fragments   *conversation.Store
	Runner      *agents.Runner
	Workflows   *workflow.Orchestrator
	Transcripts store.TranscriptStore
	Telemetry   *telemetry.Recorder
	Logger      *slog.Logger
}

// TurnHandle identifies a started turn.
type TurnHandle struct {
	ConversationID string `json:"conversation_id"`
	UserMessageID  string `json:"user_message_id"`
	MessageID      string `json:"message_id"`
	Workflow       string `json:"workflow,omitempty"`
}

// StartRequest is a user message submission. An empty ConversationID starts
// a new conversation. An empty Workflow routes to the default agent.
type StartRequest struct {
	ConversationID string
	Text           string
	Workflow       string
	RequestID      string
}

// Service runs assistant turns. It is safe for concurrent use.
type Service struct {
	fragments   *conversation.Store
	runner      *agents.Runner
	workflows   *workflow.Orchestrator
	transcripts store.TranscriptStore
	telemetry   *telemetry.Recorder
	opts        Options
	logger      *slog.Logger

	tokens   *cancellation.Registry
	stop     context.CancelFunc
	live     *retention.Cache[struct{}]
	requests *retention.Cache[*TurnHandle]

	// busy counts turns in flight per conversation; their logs are never
	// released by retention
	busyMu sync.Mutex
	busy   map[string]int

	wg      sync.WaitGroup
	closing atomic.Bool
}

// New wires a Service. Every fragment published to deps.Fragments keeps its
// conversation alive in the retention cache; idle conversations are dropped
// after ConversationTTL.
func New(deps Deps, opts Options) *Service {
	opts.applyDefaults()
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "chat")
	rec := deps.Telemetry
	if rec == nil {
		rec = telemetry.NewGlobal()
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		fragments:   deps.Fragments,
		runner:      deps.Runner,
		workflows:   deps.Workflows,
		transcripts: deps.Transcripts,
		telemetry:   rec,
		opts:        opts,
		logger:      logger,
		tokens:      cancellation.NewRegistry(ctx, opts.StallTimeout, base),
		stop:        stop,
		requests:    retention.New[*TurnHandle](opts.IdempotencyTTL, 0, nil),
		busy:        make(map[string]int),
	}
	s.live = retention.New(opts.ConversationTTL, opts.MaxConversations,
		func(conversationID string, _ struct{}, reason retention.Reason) {
			s.fragments.Drop(conversationID)
			s.logger.Info("conversation released",
				"conversation_id", conversationID,
				"reason", reason.String())
		})
	s.live.Keep(s.isBusy)
	s.fragments.OnPublish(func(f conversation.Fragment) {
		s.live.Touch(f.ConversationID, struct{}{})
		s.telemetry.Fragment(context.Background(), string(f.Role))
	})
	return s
}

// StartTurn answers text with the default agent.
func (s *Service) StartTurn(ctx context.Context, conversationID, text string) (*TurnHandle, error) {
	return s.Start(ctx, StartRequest{ConversationID: conversationID, Text: text})
}

// StartWorkflowTurn answers text through the named workflow.
func (s *Service) StartWorkflowTurn(ctx context.Context, conversationID, workflowName, text string) (*TurnHandle, error) {
	return s.Start(ctx, StartRequest{ConversationID: conversationID, Text: text, Workflow: workflowName})
}

// Start publishes the user message and the placeholder, then generates the
// reply in the background. It returns as soon as both fragments are in the
// log. A reused RequestID returns the first turn's handle with
// ErrDuplicateRequest.
func (s *Service) Start(ctx context.Context, req StartRequest) (_ *TurnHandle, err error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if req.Workflow != "" {
		if s.workflows == nil {
			return nil, ErrNoWorkflows
		}
		if _, err := s.workflows.BuildWorkflow(req.Workflow); err != nil {
			return nil, err
		}
	}

	handle := &TurnHandle{
		ConversationID: req.ConversationID,
		UserMessageID:  newID(),
		MessageID:      newID(),
		Workflow:       req.Workflow,
	}
	if handle.ConversationID == "" {
		handle.ConversationID = newID()
	}

	if req.RequestID != "" {
		key := req.ConversationID + "\x00" + req.RequestID
		if prev, loaded := s.requests.PutIfAbsent(key, handle); loaded {
			s.logger.Info("duplicate request",
				"request_id", req.RequestID,
				"conversation_id", prev.ConversationID,
				"message_id", prev.MessageID)
			out := *prev
			return &out, ErrDuplicateRequest
		}
		defer func() {
			if err != nil {
				s.requests.Delete(key)
			}
		}()
	}

	s.markBusy(handle.ConversationID)
	defer func() {
		if err != nil {
			s.markIdle(handle.ConversationID)
		}
	}()

	history := s.History(handle.ConversationID)
	messages := append(history, model.Message{Role: model.RoleUser, Content: req.Text})

	now := time.Now()
	if _, err := s.fragments.Publish(handle.ConversationID, conversation.Fragment{
		MessageID: handle.UserMessageID,
		Role:      conversation.RoleUser,
		Text:      req.Text,
		IsFinal:   true,
	}); err != nil {
		return nil, fmt.Errorf("publish user message: %w", err)
	}

	token := s.tokens.GetToken(handle.MessageID)
	if _, err := s.fragments.Publish(handle.ConversationID, conversation.Fragment{
		MessageID: handle.MessageID,
		Role:      conversation.RoleAssistant,
		Text:      s.opts.PlaceholderText,
	}); err != nil {
		s.tokens.Remove(handle.MessageID)
		return nil, fmt.Errorf("publish placeholder: %w", err)
	}

	s.logger.Info("turn started",
		"conversation_id", handle.ConversationID,
		"message_id", handle.MessageID,
		"workflow", req.Workflow,
		"history", len(history))

	s.archive(&store.Turn{
		MessageID:      handle.UserMessageID,
		ConversationID: handle.ConversationID,
		Role:           string(conversation.RoleUser),
		Content:        req.Text,
		Outcome:        store.OutcomeCompleted,
		CreatedAt:      now,
		FinishedAt:     now,
	}, req.Workflow)

	t := &turn{
		svc:      s,
		handle:   *handle,
		token:    token,
		messages: messages,
		started:  time.Now(),
		logger: s.logger.With(
			"conversation_id", handle.ConversationID,
			"message_id", handle.MessageID),
	}
	s.wg.Go(t.run)

	out := *handle
	return &out, nil
}

// CancelTurn stops the generation of messageID. It reports whether a
// running turn was cancelled. After it returns true no further content
// fragment of that message is published.
func (s *Service) CancelTurn(messageID string) bool {
	ok := s.tokens.Cancel(messageID)
	if ok {
		s.logger.Info("turn cancel requested", "message_id", messageID)
	}
	return ok
}

// ActiveTurns returns the number of turns still generating.
func (s *Service) ActiveTurns() int {
	return s.tokens.Len()
}

// Subscribe opens a reader on a conversation's fragment log. A log opened
// only by readers is subject to the same retention as one with turns.
func (s *Service) Subscribe(conversationID string, cursor conversation.Cursor) *conversation.Subscription {
	sub := s.fragments.Subscribe(conversationID, cursor)
	s.live.Touch(conversationID, struct{}{})
	return sub
}

func (s *Service) markBusy(conversationID string) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	s.busy[conversationID]++
}

func (s *Service) markIdle(conversationID string) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy[conversationID] <= 1 {
		delete(s.busy, conversationID)
		return
	}
	s.busy[conversationID]--
}

func (s *Service) isBusy(conversationID string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.busy[conversationID] > 0
}

// History returns the conversation's finished messages as model input,
// oldest first, bounded by MaxHistoryMessages. Placeholders, error notices
// and messages still being generated are left out. When the live log is
// gone it falls back to the transcript archive.
func (s *Service) History(conversationID string) []model.Message {
	frags := s.fragments.Snapshot(conversationID)
	if len(frags) == 0 {
		return s.archivedHistory(conversationID)
	}

	type message struct {
		role  conversation.Role
		text  strings.Builder
		frags int
		final bool
	}
	var order []string
	byID := make(map[string]*message)
	for _, f := range frags {
		m, ok := byID[f.MessageID]
		if !ok {
			m = &message{role: f.Role}
			byID[f.MessageID] = m
			order = append(order, f.MessageID)
		}
		m.frags++
		if f.IsFinal {
			m.final = true
		}
		if m.role == conversation.RoleAssistant {
			if m.frags == 1 && f.Text == s.opts.PlaceholderText {
				continue
			}
			if f.Text == s.opts.ErrorText {
				continue
			}
		}
		m.text.WriteString(f.Text)
	}

	var out []model.Message
	for _, id := range order {
		m := byID[id]
		if !m.final || m.text.Len() == 0 {
			continue
		}
		role := model.RoleAssistant
		if m.role == conversation.RoleUser {
			role = model.RoleUser
		}
		out = append(out, model.Message{Role: role, Content: m.text.String()})
	}
	return s.bound(out)
}

func (s *Service) archivedHistory(conversationID string) []model.Message {
	if s.transcripts == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	turns, err := s.transcripts.ListTurns(ctx, conversationID, s.opts.MaxHistoryMessages)
	if err != nil {
		s.logger.Warn("failed to load archived history", "error", err, "conversation_id", conversationID)
		return nil
	}
	out := make([]model.Message, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" || t.Outcome == store.OutcomeFailed {
			continue
		}
		role := model.RoleAssistant
		if t.Role == string(conversation.RoleUser) {
			role = model.RoleUser
		}
		out = append(out, model.Message{Role: role, Content: t.Content})
	}
	return s.bound(out)
}

func (s *Service) bound(msgs []model.Message) []model.Message {
	if len(msgs) > s.opts.MaxHistoryMessages {
		msgs = msgs[len(msgs)-s.opts.MaxHistoryMessages:]
	}
	return msgs
}

// Transcript returns up to limit archived turns of a conversation, oldest first.
func (s *Service) Transcript(ctx context.Context, conversationID string, limit int) ([]*store.Turn, error) {
	if s.transcripts == nil {
		return nil, ErrNoArchive
	}
	return s.transcripts.ListTurns(ctx, conversationID, limit)
}

// Shutdown cancels every running turn and waits for them to finalize or for
// ctx to end. Start fails with ErrShuttingDown afterwards.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	n := s.tokens.CancelAll()
	s.stop()
	s.logger.Info("shutting down", "active_turns", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for turns: %w", ctx.Err())
	}
	s.live.Close()
	s.requests.Close()
	return nil
}

// archive saves a transcript turn in the background.
func (s *Service) archive(t *store.Turn, workflowName string) {
	if s.transcripts == nil {
		return
	}
	s.wg.Go(func() { s.saveTurn(t, workflowName) })
}

func (s *Service) saveTurn(t *store.Turn, workflowName string) {
	if s.transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.transcripts.SaveTurn(ctx, t); err != nil {
		s.logger.Error("failed to archive turn", "error", err, "message_id", t.MessageID)
		return
	}
	if workflowName == "" {
		return
	}
	if err := s.transcripts.EnsureConversation(ctx, &store.Conversation{
		ID:        t.ConversationID,
		Workflow:  workflowName,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.FinishedAt,
	}); err != nil {
		s.logger.Error("failed to archive conversation", "error", err, "conversation_id", t.ConversationID)
	}
}

// newID mints a time-ordered id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
