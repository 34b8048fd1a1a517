// ABOUTME: Tests for the Anthropic generator with a scripted event decoder
// ABOUTME: Verifies event translation and request encoding without network access

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/model"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeMessages struct {
	events []ssestream.Event
	err    error
	params sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: f.events, err: f.err}, nil)
}

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func TestGenerator_TranslatesEvents(t *testing.T) {
	fake := &fakeMessages{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","model":"x","content":[],"usage":{"input_tokens":11,"output_tokens":0}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bon"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"jour"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("ping", `{"type":"ping"}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"transfer_to_agent","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"agent\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"answer\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}

	g := NewFromClient(fake, Options{})
	s, err := g.Stream(t.Context(), &model.Request{
		System:   "route",
		Messages: []model.Message{{Role: model.RoleUser, Content: "salut"}},
		Tools: []model.ToolDefinition{{
			Name:        "transfer_to_agent",
			Description: "hand off",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"agent": map[string]any{"type": "string"}},
				"required":   []string{"agent"},
			},
		}},
	})
	require.NoError(t, err)

	res, err := model.Collect(t.Context(), s)
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "tu_1", res.ToolCalls[0].ID)
	assert.JSONEq(t, `{"agent":"answer"}`, string(res.ToolCalls[0].Arguments))
	assert.Equal(t, model.Usage{InputTokens: 11, OutputTokens: 9}, res.Usage)

	assert.Equal(t, sdk.Model(DefaultModel), fake.params.Model)
	assert.Equal(t, DefaultMaxTokens, fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, "route", fake.params.System[0].Text)
	require.Len(t, fake.params.Tools, 1)
	require.NotNil(t, fake.params.Tools[0].OfTool)
	assert.Equal(t, []string{"agent"}, fake.params.Tools[0].OfTool.InputSchema.Required)
}

func TestGenerator_ErrorEventFailsRecv(t *testing.T) {
	fake := &fakeMessages{events: []ssestream.Event{
		event("error", `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`),
	}}
	s, err := NewFromClient(fake, Options{}).Stream(t.Context(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	_, err = s.Recv()
	assert.Error(t, err)
}

func TestGenerator_DecoderErrorFailsRecv(t *testing.T) {
	boom := errors.New("connection reset")
	fake := &fakeMessages{err: boom}
	s, err := NewFromClient(fake, Options{}).Stream(t.Context(), &model.Request{})
	require.NoError(t, err)
	_, err = s.Recv()
	assert.ErrorIs(t, err, boom)
}

func TestEncodeMessages_FoldsToolResults(t *testing.T) {
	msgs, err := encodeMessages([]model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "a", Name: "current_time", Arguments: json.RawMessage(`{}`)},
			{ID: "b", Name: "word_count", Arguments: json.RawMessage(`{"text":"x"}`)},
		}},
		{Role: model.RoleTool, Content: "noon", ToolCallID: "a"},
		{Role: model.RoleTool, Content: "1", ToolCallID: "b"},
		{Role: model.RoleAssistant, Content: "done"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2)

	_, err = encodeMessages([]model.Message{{Role: "narrator"}})
	assert.Error(t, err)
}
