// ABOUTME: Small Streamer implementations and helpers
// ABOUTME: SliceStreamer replays fixed chunks, FuncStreamer adapts a closure, Collect drains a stream

package model

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// SliceStreamer yields a fixed list of chunks, then Err (or io.EOF).
type SliceStreamer struct {
	Chunks []Chunk
	Err    error
	pos    int
}

// NewSliceStreamer returns a streamer over chunks.
func NewSliceStreamer(chunks ...Chunk) *SliceStreamer {
	return &SliceStreamer{Chunks: chunks}
}

// Recv implements Streamer.
func (s *SliceStreamer) Recv() (Chunk, error) {
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return Chunk{}, s.Err
	}
	return Chunk{}, io.EOF
}

// Close implements Streamer.
func (s *SliceStreamer) Close() error { return nil }

// FuncStreamer adapts a pair of closures to Streamer. A nil CloseFn is allowed.
type FuncStreamer struct {
	RecvFn  func() (Chunk, error)
	CloseFn func() error
	once    sync.Once
	err     error
}

// Recv implements Streamer.
func (f *FuncStreamer) Recv() (Chunk, error) { return f.RecvFn() }

// Close implements Streamer.
func (f *FuncStreamer) Close() error {
	f.once.Do(func() {
		if f.CloseFn != nil {
			f.err = f.CloseFn()
		}
	})
	return f.err
}

// ErrStreamer returns a streamer whose first Recv fails with err.
func ErrStreamer(err error) Streamer {
	return &SliceStreamer{Err: err}
}

// Result is the drained content of a stream.
type Result struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Collect drains s, closing it, and returns the concatenated text, any tool
// calls and summed usage. io.EOF is not an error.
func Collect(ctx context.Context, s Streamer) (Result, error) {
	defer s.Close()

	var res Result
	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			res.Text = b.String()
			return res, err
		}
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			res.Text = b.String()
			return res, nil
		}
		if err != nil {
			res.Text = b.String()
			return res, err
		}
		switch c.Type {
		case ChunkText:
			b.WriteString(c.Text)
		case ChunkToolCall:
			if c.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *c.ToolCall)
			}
		case ChunkUsage:
			if c.Usage != nil {
				res.Usage.InputTokens += c.Usage.InputTokens
				res.Usage.OutputTokens += c.Usage.OutputTokens
			}
		}
	}
}
