// ABOUTME: Provider-neutral streaming generation types shared by agents and providers
// ABOUTME: A Generator turns a Request into a pull-based Streamer of text, tool-call and usage chunks

package model

import (
	"context"
	"encoding/json"
	"errors"
)

// Role of a message in a model request.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on RoleTool results
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant turns that called tools
}

// ToolDefinition describes a tool the model may call. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a completed tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a single generation request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int64
	Temperature float64
}

// Clone returns a copy whose slices can be appended to independently.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Tools = append([]ToolDefinition(nil), r.Tools...)
	return &c
}

// ChunkType discriminates Chunk payloads.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
)

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Chunk is one streamed unit of model output. Agent is filled in by the
// agent layer with the name of the agent that produced it.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	Agent    string    `json:"agent,omitempty"`
}

// TextChunk is a convenience constructor.
func TextChunk(text string) Chunk {
	return Chunk{Type: ChunkText, Text: text}
}

// Streamer yields chunks until it returns io.EOF. Recv must not be called
// concurrently. Close releases the underlying stream and is safe to call more
// than once.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Generator starts a streaming generation. The stream stops early when ctx
// is cancelled; Recv then returns an error wrapping ctx.Err().
type Generator interface {
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req *Request) (Streamer, error)

// Stream implements Generator.
func (f GeneratorFunc) Stream(ctx context.Context, req *Request) (Streamer, error) {
	return f(ctx, req)
}

// ToolInvoker executes tool calls on behalf of ToolLoop.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) (string, error)
}

var (
	// ErrNoProvider is returned when no generator is configured.
	ErrNoProvider = errors.New("no model provider configured")

	// ErrMaxToolRounds is returned when the model keeps calling tools past the limit.
	ErrMaxToolRounds = errors.New("tool call rounds exceeded")
)
