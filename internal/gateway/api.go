// ABOUTME: HTTP API handlers for conversations, turns and the workflow catalog
// ABOUTME: Streams conversation fragments over SSE with Last-Event-ID resumption and heartbeats

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chorus-gateway/internal/chat"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/store"
	"github.com/2389/chorus-gateway/internal/workflow"
)

const (
	maxBodyBytes    = 1 << 20
	maxRequestIDLen = 100
)

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Text      string `json:"text"`
	Workflow  string `json:"workflow,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SendMessageResponse is the JSON response for a started turn.
type SendMessageResponse struct {
	chat.TurnHandle
	Duplicate bool `json:"duplicate,omitempty"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Workflow string `json:"workflow,omitempty"`
}

// ConversationResponse describes an archived conversation.
type ConversationResponse struct {
	ID        string `json:"conversation_id"`
	Workflow  string `json:"workflow,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// TurnResponse is one archived turn.
type TurnResponse struct {
	MessageID    string   `json:"message_id"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	Outcome      string   `json:"outcome"`
	Agents       []string `json:"agents,omitempty"`
	InputTokens  int64    `json:"input_tokens,omitempty"`
	OutputTokens int64    `json:"output_tokens,omitempty"`
	CreatedAt    string   `json:"created_at"`
	FinishedAt   string   `json:"finished_at"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/history.
type HistoryResponse struct {
	ConversationID string         `json:"conversation_id"`
	Turns          []TurnResponse `json:"turns"`
}

// CancelResponse is the JSON response for POST /api/messages/{id}/cancel.
type CancelResponse struct {
	MessageID string `json:"message_id"`
	Cancelled bool   `json:"cancelled"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/stream", g.handleStream)
	mux.HandleFunc("GET /api/conversations/{id}/history", g.handleHistory)
	mux.HandleFunc("POST /api/messages/{id}/cancel", g.handleCancel)

	mux.HandleFunc("GET /api/workflows", g.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{name}", g.handleGetWorkflow)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)

	return mux
}

// handleCreateConversation allocates a conversation id, optionally bound to
// a workflow that later messages default to.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Workflow != "" {
		if _, err := g.workflows.BuildWorkflow(req.Workflow); err != nil {
			g.sendStartError(w, err)
			return
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		g.logger.Error("failed to allocate conversation id", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	now := time.Now()
	conv := &store.Conversation{ID: id.String(), Workflow: req.Workflow, CreatedAt: now, UpdatedAt: now}
	if g.store != nil {
		if err := g.store.EnsureConversation(r.Context(), conv); err != nil {
			g.logger.Error("failed to create conversation", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	g.writeJSON(w, http.StatusCreated, conversationResponse(conv))
}

// handleListConversations returns the most recently updated archived conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusNotImplemented, "transcript archive is not configured")
		return
	}
	limit, ok := g.parseLimit(w, r, 50, 1000)
	if !ok {
		return
	}
	convs, err := g.store.ListConversations(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = conversationResponse(c)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// handleSendMessage starts a turn and answers as soon as the user message
// and the placeholder are in the conversation log. The reply is read from
// the stream endpoint.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req SendMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	if len(req.RequestID) > maxRequestIDLen {
		g.sendJSONError(w, http.StatusBadRequest, "request_id too long")
		return
	}
	if req.Workflow == "" {
		req.Workflow = g.conversationWorkflow(r.Context(), conversationID)
	}

	handle, err := g.chat.Start(r.Context(), chat.StartRequest{
		ConversationID: conversationID,
		Text:           req.Text,
		Workflow:       req.Workflow,
		RequestID:      req.RequestID,
	})
	if errors.Is(err, chat.ErrDuplicateRequest) {
		g.writeJSON(w, http.StatusOK, SendMessageResponse{TurnHandle: *handle, Duplicate: true})
		return
	}
	if err != nil {
		g.sendStartError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, SendMessageResponse{TurnHandle: *handle})
}

// conversationWorkflow returns the workflow a conversation was created with.
func (g *Gateway) conversationWorkflow(ctx context.Context, conversationID string) string {
	if g.store == nil {
		return ""
	}
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("failed to look up conversation", "conversation_id", conversationID, "error", err)
		}
		return ""
	}
	return conv.Workflow
}

// handleStream serves the conversation log as Server-Sent Events. Each
// fragment is a "fragment" event whose id is its cursor, so a reconnecting
// EventSource resumes after the last fragment it saw.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	cursor, err := conversation.ParseCursor(raw)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := g.config.Server.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	ctx := r.Context()
	sub := g.chat.Subscribe(conversationID, cursor)
	for {
		waitCtx, cancel := context.WithTimeout(ctx, heartbeat)
		f, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			g.writeSSEFragment(w, f)
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			_, _ = io.WriteString(w, ": heartbeat\n\n")
		case errors.Is(err, conversation.ErrConversationDropped):
			g.writeSSEEvent(w, "released", map[string]string{"conversation_id": conversationID})
			flusher.Flush()
			return
		default:
			g.logger.Error("subscription failed", "conversation_id", conversationID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleHistory returns the archived turns of a conversation, optionally
// limited by ?limit=N.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	// Parse optional limit parameter (default 50, max 1000)
	limit, ok := g.parseLimit(w, r, 50, 1000)
	if !ok {
		return
	}

	turns, err := g.chat.Transcript(r.Context(), conversationID, limit)
	if errors.Is(err, chat.ErrNoArchive) {
		g.sendJSONError(w, http.StatusNotImplemented, "transcript archive is not configured")
		return
	}
	if err != nil {
		g.logger.Error("failed to get transcript", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(turns) == 0 && !g.fragments.Exists(conversationID) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	response := HistoryResponse{
		ConversationID: conversationID,
		Turns:          make([]TurnResponse, len(turns)),
	}
	for i, t := range turns {
		response.Turns[i] = TurnResponse{
			MessageID:    t.MessageID,
			Role:         t.Role,
			Content:      t.Content,
			Outcome:      t.Outcome,
			Agents:       t.Agents,
			InputTokens:  t.InputTokens,
			OutputTokens: t.OutputTokens,
			CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
			FinishedAt:   t.FinishedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleCancel stops the generation of a message.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	g.writeJSON(w, http.StatusOK, CancelResponse{
		MessageID: messageID,
		Cancelled: g.chat.CancelTurn(messageID),
	})
}

func (g *Gateway) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"workflows": g.workflows.Workflows()})
}

// handleGetWorkflow returns one workflow together with the agents its
// graph can reach.
func (g *Gateway) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	graph, err := g.workflows.BuildWorkflow(name)
	if errors.Is(err, workflow.ErrUnknownWorkflow) {
		g.sendJSONError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	for _, spec := range g.workflows.Workflows() {
		if spec.Name == name {
			g.writeJSON(w, http.StatusOK, map[string]any{"workflow": spec, "graph": graph})
			return
		}
	}
	g.sendJSONError(w, http.StatusNotFound, "workflow not found")
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": g.agents.List()})
}

// sendStartError maps chat start errors onto HTTP statuses.
func (g *Gateway) sendStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrNoWorkflows), errors.Is(err, workflow.ErrInvalidGraph):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrShuttingDown):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("failed to start turn", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseLimit reads ?limit=N, clamped to ceiling. It writes the error response
// and returns false on bad input.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request, def, ceiling int) (int, bool) {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = min(parsed, ceiling)
	}
	return limit, true
}

// decodeBody parses a JSON body. An empty body is accepted when optional.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	out := ConversationResponse{ID: c.ID, Workflow: c.Workflow}
	if !c.CreatedAt.IsZero() {
		out.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !c.UpdatedAt.IsZero() {
		out.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// writeSSEFragment writes one fragment event with its resume cursor as id.
func (g *Gateway) writeSSEFragment(w http.ResponseWriter, f conversation.Fragment) {
	dataJSON, err := json.Marshal(f)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "id: %s\n", conversation.CursorOf(f).String())
	fmt.Fprintf(w, "event: fragment\n")
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
