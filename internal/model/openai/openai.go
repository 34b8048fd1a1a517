// ABOUTME: model.Generator backed by the OpenAI Chat Completions streaming API
// ABOUTME: Aggregates tool-call deltas by index and emits completed calls on finish

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/2389/chorus-gateway/internal/model"
)

// DefaultModel is used when neither the options nor the request name a model.
const DefaultModel = openai.ChatModelGPT4oMini

// Options configure the generator.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Generator streams chat completions.
type Generator struct {
	client openai.Client
	opts   Options
}

// New creates a generator. An empty APIKey falls back to OPENAI_API_KEY.
func New(opts Options) *Generator {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	return &Generator{client: openai.NewClient(reqOpts...), opts: opts}
}

// Stream implements model.Generator.
func (g *Generator) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params := g.buildParams(req)
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	return &streamer{stream: stream, calls: make(map[int64]*aggCall)}, nil
}

func (g *Generator) buildParams(req *model.Request) openai.ChatCompletionNewParams {
	name := req.Model
	if name == "" {
		name = g.opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(req),
		Model:    name,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if n := firstPositive(req.MaxTokens, g.opts.MaxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(n)
	}
	if temp := req.Temperature; temp > 0 {
		params.Temperature = openai.Float(temp)
	} else if g.opts.Temperature > 0 {
		params.Temperature = openai.Float(g.opts.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func firstPositive(vals ...int64) int64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// buildMessages converts the provider-neutral history into chat messages.
func buildMessages(req *model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case model.RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, c := range m.ToolCalls {
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   c.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: string(c.Arguments),
					},
				}
			}
			asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return msgs
}

// aggCall accumulates the streamed pieces of one tool call.
type aggCall struct{ id, name, args string }

type streamer struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	calls   map[int64]*aggCall
	pending []model.Chunk
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
			if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("openai stream: %w", err)
				continue
			}
			s.flushCalls()
			s.done = true
			continue
		}

		ck := s.stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				s.pending = append(s.pending, model.TextChunk(ch.Delta.Content))
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := s.calls[tc.Index]
				if !ok {
					ac = &aggCall{}
					s.calls[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}
			if ch.FinishReason != "" {
				s.flushCalls()
			}
		}
		if ck.Usage.TotalTokens > 0 {
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkUsage,
				Usage: &model.Usage{
					InputTokens:  ck.Usage.PromptTokens,
					OutputTokens: ck.Usage.CompletionTokens,
				},
			})
		}
	}
}

// flushCalls emits aggregated tool calls in index order.
func (s *streamer) flushCalls() {
	if len(s.calls) == 0 {
		return
	}
	idx := make([]int64, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		ac := s.calls[i]
		args := json.RawMessage(ac.args)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		s.pending = append(s.pending, model.Chunk{
			Type:     model.ChunkToolCall,
			ToolCall: &model.ToolCall{ID: ac.id, Name: ac.name, Arguments: args},
		})
	}
	clear(s.calls)
}

func (s *streamer) Close() error {
	return s.stream.Close()
}
