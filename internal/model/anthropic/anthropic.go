// ABOUTME: model.Generator backed by the Anthropic Messages streaming API
// ABOUTME: Translates content-block events into text, tool-call and usage chunks

package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/2389/chorus-gateway/internal/model"
)

const (
	// DefaultModel is used when neither the options nor the request name a model.
	DefaultModel = string(sdk.ModelClaudeHaiku4_5)

	// DefaultMaxTokens is required by the Messages API when not configured.
	DefaultMaxTokens int64 = 1024
)

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configure the generator.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Generator streams Anthropic messages.
type Generator struct {
	messages MessagesClient
	opts     Options
}

// New creates a generator using the SDK client. An empty APIKey falls back
// to ANTHROPIC_API_KEY.
func New(opts Options) *Generator {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(reqOpts...)
	return NewFromClient(&client.Messages, opts)
}

// NewFromClient creates a generator over an existing messages client.
func NewFromClient(messages MessagesClient, opts Options) *Generator {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Generator{messages: messages, opts: opts}
}

// Stream implements model.Generator.
func (g *Generator) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := g.messages.NewStreaming(ctx, params)
	return &streamer{stream: stream, tools: make(map[int64]*toolBuffer)}, nil
}

func (g *Generator) buildParams(req *model.Request) (sdk.MessageNewParams, error) {
	name := req.Model
	if name == "" {
		name = g.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.opts.MaxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(name),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	} else if g.opts.Temperature > 0 {
		params.Temperature = sdk.Float(g.opts.Temperature)
	}
	for _, t := range req.Tools {
		u := sdk.ToolUnionParamOfTool(inputSchema(t.Parameters), t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

// inputSchema splits a JSON schema object into the SDK's schema param.
func inputSchema(params map[string]any) sdk.ToolInputSchemaParam {
	schema := sdk.ToolInputSchemaParam{}
	if params == nil {
		return schema
	}
	if props, ok := params["properties"]; ok {
		schema.Properties = props
	}
	switch req := params["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema
}

// encodeMessages converts history to Anthropic messages. Consecutive tool
// results are folded into a single user message as the API requires.
func encodeMessages(in []model.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(in))
	var results []sdk.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, sdk.NewUserMessage(results...))
			results = nil
		}
	}
	for _, m := range in {
		switch m.Role {
		case model.RoleTool:
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, strings.HasPrefix(m.Content, "error: ")))
		case model.RoleUser:
			flush()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, c := range m.ToolCalls {
				var input any = map[string]any{}
				if len(c.Arguments) > 0 {
					if err := json.Unmarshal(c.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: tool call %s arguments: %w", c.ID, err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(c.ID, input, c.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	flush()
	return out, nil
}

type toolBuffer struct {
	id, name string
	input    strings.Builder
}

type streamer struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	tools   map[int64]*toolBuffer
	pending []model.Chunk
	input   int64
	err     error
	done    bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.err = fmt.Errorf("anthropic stream: %w", err)
				continue
			}
			s.done = true
			continue
		}
		s.handle(s.stream.Current())
	}
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.input = ev.Message.Usage.InputTokens
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.tools[ev.Index] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				s.pending = append(s.pending, model.TextChunk(d.Text))
			}
		case sdk.InputJSONDelta:
			if tb := s.tools[ev.Index]; tb != nil {
				tb.input.WriteString(d.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		tb := s.tools[ev.Index]
		if tb == nil {
			return
		}
		delete(s.tools, ev.Index)
		args := strings.TrimSpace(tb.input.String())
		if args == "" {
			args = "{}"
		}
		s.pending = append(s.pending, model.Chunk{
			Type:     model.ChunkToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Arguments: json.RawMessage(args)},
		})
	case sdk.MessageDeltaEvent:
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkUsage,
			Usage: &model.Usage{
				InputTokens:  s.input + ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			},
		})
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}
