// ABOUTME: Generator decorator that executes model tool calls and re-prompts with the results
// ABOUTME: Calls named as passthrough (e.g. transfer_to_agent) are surfaced to the caller instead

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// DefaultMaxToolRounds bounds how many times ToolLoop re-prompts the model.
const DefaultMaxToolRounds = 5

// ToolLoop wraps a Generator so that tool calls are executed through Tools
// and their results fed back to the model until it answers without calling
// a tool. Text and usage chunks of every round are forwarded as they arrive.
type ToolLoop struct {
	next        Generator
	tools       ToolInvoker
	maxRounds   int
	passthrough map[string]bool
	logger      *slog.Logger
}

// NewToolLoop wraps next. A nil tools surfaces every call unexecuted.
func NewToolLoop(next Generator, tools ToolInvoker, logger *slog.Logger, passthrough ...string) *ToolLoop {
	if logger == nil {
		logger = slog.Default()
	}
	pt := make(map[string]bool, len(passthrough))
	for _, name := range passthrough {
		pt[name] = true
	}
	return &ToolLoop{
		next:        next,
		tools:       tools,
		maxRounds:   DefaultMaxToolRounds,
		passthrough: pt,
		logger:      logger.With("component", "tool_loop"),
	}
}

// WithMaxRounds overrides DefaultMaxToolRounds.
func (l *ToolLoop) WithMaxRounds(n int) *ToolLoop {
	if n > 0 {
		l.maxRounds = n
	}
	return l
}

// Stream implements Generator.
func (l *ToolLoop) Stream(ctx context.Context, req *Request) (Streamer, error) {
	inner, err := l.next.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &toolLoopStream{
		loop: l,
		ctx:  ctx,
		req:  req.Clone(),
		cur:  inner,
	}, nil
}

type toolLoopStream struct {
	loop    *ToolLoop
	ctx     context.Context
	req     *Request
	cur     Streamer
	round   int
	text    strings.Builder
	pending []ToolCall
	closed  bool
}

func (s *toolLoopStream) Recv() (Chunk, error) {
	for {
		if s.closed {
			return Chunk{}, io.EOF
		}
		c, err := s.cur.Recv()
		if errors.Is(err, io.EOF) {
			if len(s.pending) == 0 {
				return Chunk{}, io.EOF
			}
			if err := s.nextRound(); err != nil {
				return Chunk{}, err
			}
			continue
		}
		if err != nil {
			return Chunk{}, err
		}

		switch c.Type {
		case ChunkText:
			s.text.WriteString(c.Text)
			return c, nil
		case ChunkToolCall:
			if c.ToolCall == nil {
				continue
			}
			if s.loop.tools == nil || s.loop.passthrough[c.ToolCall.Name] {
				return c, nil
			}
			s.pending = append(s.pending, *c.ToolCall)
		default:
			return c, nil
		}
	}
}

// nextRound runs the pending tool calls and restarts the model with results.
func (s *toolLoopStream) nextRound() error {
	s.round++
	if s.round >= s.loop.maxRounds {
		return fmt.Errorf("%w: %d", ErrMaxToolRounds, s.loop.maxRounds)
	}

	s.req.Messages = append(s.req.Messages, Message{
		Role:      RoleAssistant,
		Content:   s.text.String(),
		ToolCalls: s.pending,
	})
	for _, call := range s.pending {
		out, err := s.loop.tools.Invoke(s.ctx, call)
		if err != nil {
			s.loop.logger.Debug("tool call failed",
				"tool", call.Name,
				"call_id", call.ID,
				"error", err)
			out = "error: " + err.Error()
		}
		s.req.Messages = append(s.req.Messages, Message{
			Role:       RoleTool,
			Content:    out,
			ToolCallID: call.ID,
		})
	}
	s.pending = nil
	s.text.Reset()

	_ = s.cur.Close()
	next, err := s.loop.next.Stream(s.ctx, s.req)
	if err != nil {
		return fmt.Errorf("tool round %d: %w", s.round, err)
	}
	s.cur = next
	return nil
}

func (s *toolLoopStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cur.Close()
}
