// ABOUTME: Tests for the tool registry and built-in tools
// ABOUTME: Covers invocation, unknown tools, definitions and transfer parsing

package tools

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chorus-gateway/internal/model"
)

func TestRegistry_InvokeBuiltins(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"current_time", "word_count"}, r.Names())

	out, err := r.Invoke(t.Context(), model.ToolCall{Name: "word_count", Arguments: json.RawMessage(`{"text":"one two  three"}`)})
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	_, err = r.Invoke(t.Context(), model.ToolCall{Name: "word_count", Arguments: json.RawMessage(`nope`)})
	assert.Error(t, err)
}

func TestCurrentTime(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { now = orig })

	r := NewDefaultRegistry()
	out, err := r.Invoke(t.Context(), model.ToolCall{Name: "current_time"})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T12:00:00Z", out)

	_, err = r.Invoke(t.Context(), model.ToolCall{Name: "current_time", Arguments: json.RawMessage(`{"timezone":"Not/AZone"}`)})
	assert.Error(t, err)
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(t.Context(), model.ToolCall{Name: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = NewDefaultRegistry().Definitions("word_count", "ghost")
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_DefinitionsKeepOrder(t *testing.T) {
	defs, err := NewDefaultRegistry().Definitions("word_count", "current_time")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "word_count", defs[0].Name)
	assert.True(t, NewDefaultRegistry().Has("current_time"))
}

func TestTransferToolAndParse(t *testing.T) {
	def := TransferTool([]string{"language", "answer"})
	assert.Equal(t, TransferToolName, def.Name)
	props := def.Parameters["properties"].(map[string]any)
	assert.Equal(t, []string{"language", "answer"}, props["agent"].(map[string]any)["enum"])

	target, err := ParseTransfer(model.ToolCall{Name: TransferToolName, Arguments: json.RawMessage(`{"agent":" answer "}`)})
	require.NoError(t, err)
	assert.Equal(t, "answer", target)

	for _, bad := range []model.ToolCall{
		{Name: "word_count", Arguments: json.RawMessage(`{"agent":"x"}`)},
		{Name: TransferToolName, Arguments: json.RawMessage(`{}`)},
		{Name: TransferToolName, Arguments: json.RawMessage(`[`)},
	} {
		_, err := ParseTransfer(bad)
		assert.ErrorIs(t, err, ErrInvalidTransfer)
	}
}
