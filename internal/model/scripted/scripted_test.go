// ABOUTME: Tests for the scripted generator
// ABOUTME: Covers echo, rule matching, handoff defaults, failures and gating

package scripted

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/model"
)

func userReq(text string) *model.Request {
	return &model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: text}}}
}

func TestEcho_StreamsWordByWord(t *testing.T) {
	s, err := Echo(0).Stream(t.Context(), userReq("hello there world"))
	require.NoError(t, err)

	var texts []string
	for {
		c, err := s.Recv()
		if err != nil {
			break
		}
		if c.Type == model.ChunkText {
			texts = append(texts, c.Text)
		}
	}
	assert.Equal(t, []string{"hello ", "there ", "world"}, texts)
}

func TestRules_FirstMatchWins(t *testing.T) {
	g := New(
		Rule{System: "summarize", Reply: "short"},
		Rule{Contains: "WEATHER", Reply: "sunny {input}"},
	)

	req := userReq("what is the weather?")
	res, err := model.Collect(t.Context(), mustStream(t, g, req))
	require.NoError(t, err)
	assert.Equal(t, "sunny what is the weather?", res.Text)

	req.System = "You summarize text."
	res, err = model.Collect(t.Context(), mustStream(t, g, req))
	require.NoError(t, err)
	assert.Equal(t, "short", res.Text)
}

func TestDefault_TransfersToFirstTarget(t *testing.T) {
	req := userReq("bonjour")
	req.Tools = []model.ToolDefinition{{
		Name: TransferToolName,
		Parameters: map[string]any{
			"properties": map[string]any{"agent": map[string]any{"type": "string", "enum": []string{"language", "answer"}}},
		},
	}}
	res, err := model.Collect(t.Context(), mustStream(t, Echo(0), req))
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.JSONEq(t, `{"agent":"language"}`, string(res.ToolCalls[0].Arguments))
	assert.Empty(t, res.Text)
}

func TestRule_ToolCallThenResult(t *testing.T) {
	g := New(Rule{Reply: "counting", Call: &model.ToolCall{ID: "c1", Name: "word_count"}})

	res, err := model.Collect(t.Context(), mustStream(t, g, userReq("a b c")))
	require.NoError(t, err)
	assert.Len(t, res.ToolCalls, 1)

	req := userReq("a b c")
	req.Messages = append(req.Messages, model.Message{Role: model.RoleTool, Content: "3", ToolCallID: "c1"})
	res, err = model.Collect(t.Context(), mustStream(t, New(Rule{Call: &model.ToolCall{ID: "c1", Name: "word_count"}}), req))
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls, "no second call after a tool result")
	assert.Equal(t, "Tool result: 3", res.Text)
}

func TestRule_ErrAfterReply(t *testing.T) {
	boom := errors.New("model exploded")
	res, err := model.Collect(t.Context(), mustStream(t, New(Rule{Reply: "partial", Err: boom}), userReq("x")))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", res.Text)
}

func TestRule_StallUntilCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err := model.Collect(ctx, mustStream(t, New(Rule{Reply: "hang", Stall: true}), userReq("x")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate_PacesChunks(t *testing.T) {
	gate := make(chan struct{})
	g := &Generator{Gate: gate}
	s, err := g.Stream(t.Context(), userReq("one two"))
	require.NoError(t, err)

	first, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one ", first.Text)

	got := make(chan model.Chunk, 1)
	go func() {
		c, _ := s.Recv()
		got <- c
	}()
	select {
	case <-got:
		t.Fatal("second chunk delivered without gate")
	case <-time.After(20 * time.Millisecond):
	}
	gate <- struct{}{}
	assert.Equal(t, "two", (<-got).Text)
}

func mustStream(t *testing.T, g model.Generator, req *model.Request) model.Streamer {
	t.Helper()
	s, err := g.Stream(t.Context(), req)
	require.NoError(t, err)
	return s
}
