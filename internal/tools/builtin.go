// ABOUTME: Built-in tools available to every agent catalog
// ABOUTME: current_time and word_count, plus the transfer_to_agent handoff definition

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/chorus-gateway/internal/model"
)

// TransferToolName is the tool a handoff agent calls to pass control.
const TransferToolName = "transfer_to_agent"

// ErrInvalidTransfer is returned by ParseTransfer for malformed calls.
var ErrInvalidTransfer = errors.New("invalid transfer call")

// now is replaced in tests.
var now = time.Now

// Builtins returns the tools every registry starts with.
func Builtins() []Tool {
	return []Tool{
		{
			Definition: model.ToolDefinition{
				Name:        "current_time",
				Description: "Returns the current time in RFC 3339 format, optionally in an IANA time zone.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Paris"},
					},
				},
			},
			Handler: currentTime,
		},
		{
			Definition: model.ToolDefinition{
				Name:        "word_count",
				Description: "Counts the words in a piece of text.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
					"required": []string{"text"},
				},
			},
			Handler: wordCount,
		},
	}
}

func currentTime(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("current_time: %w", err)
		}
	}
	t := now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("current_time: %w", err)
		}
		t = t.In(loc)
	}
	return t.Format(time.RFC3339), nil
}

func wordCount(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("word_count: %w", err)
	}
	return strconv.Itoa(len(strings.Fields(in.Text))), nil
}

// TransferTool builds the handoff tool definition restricted to targets.
func TransferTool(targets []string) model.ToolDefinition {
	enum := append([]string(nil), targets...)
	return model.ToolDefinition{
		Name:        TransferToolName,
		Description: "Transfer the conversation to another agent better suited to answer. Call it instead of answering when the request belongs to one of: " + strings.Join(targets, ", ") + ".",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"enum":        enum,
					"description": "Name of the agent to hand off to",
				},
			},
			"required": []string{"agent"},
		},
	}
}

// ParseTransfer extracts the target agent from a transfer_to_agent call.
func ParseTransfer(call model.ToolCall) (string, error) {
	if call.Name != TransferToolName {
		return "", fmt.Errorf("%w: unexpected tool %q", ErrInvalidTransfer, call.Name)
	}
	var in struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(call.Arguments, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	in.Agent = strings.TrimSpace(in.Agent)
	if in.Agent == "" {
		return "", fmt.Errorf("%w: missing agent", ErrInvalidTransfer)
	}
	return in.Agent, nil
}
