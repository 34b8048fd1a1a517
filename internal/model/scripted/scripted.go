// ABOUTME: Deterministic rule-driven model.Generator for tests, local demos and the echo provider
// ABOUTME: Streams replies word by word and can emit tool calls, handoffs, failures or stalls

package scripted

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/2389/chorus-gateway/internal/model"
)

// TransferToolName must match the handoff tool the agent layer injects.
const TransferToolName = "transfer_to_agent"

// Rule is one scripted behaviour. A rule applies when every non-empty
// matcher matches; the first applicable rule wins.
type Rule struct {
	// System matches a substring of the request's system prompt.
	System string
	// Contains matches a case-insensitive substring of the last user message.
	Contains string

	// Reply is streamed word by word. "{input}" expands to the last user message.
	Reply string
	// Transfer emits a transfer_to_agent call naming this agent after Reply.
	Transfer string
	// Call emits a tool call after Reply, unless the previous message is
	// already a tool result.
	Call *model.ToolCall
	// Err is returned by Recv once Reply has been streamed.
	Err error
	// Stall blocks Recv after Reply until the context ends.
	Stall bool
}

func (r Rule) matches(system, input string) bool {
	if r.System != "" && !strings.Contains(system, r.System) {
		return false
	}
	if r.Contains != "" && !strings.Contains(strings.ToLower(input), strings.ToLower(r.Contains)) {
		return false
	}
	return true
}

// Generator replays rules. The zero value echoes the last user message.
type Generator struct {
	Rules []Rule
	// Delay is slept between chunks.
	Delay time.Duration
	// Gate, when set, must yield a value before every chunk after the first.
	Gate <-chan struct{}
}

// New returns a generator over rules.
func New(rules ...Rule) *Generator {
	return &Generator{Rules: rules}
}

// Echo returns the generator used by the "echo" provider: it repeats the
// input and, when offered a handoff, transfers to the first allowed target.
func Echo(delay time.Duration) *Generator {
	return &Generator{Delay: delay}
}

// Stream implements model.Generator.
func (g *Generator) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	input, lastIsTool := lastInput(req.Messages)
	rule, ok := g.pick(req.System, input)
	if !ok {
		rule = defaultRule(req, lastIsTool)
	}

	reply := strings.ReplaceAll(rule.Reply, "{input}", input)
	if lastIsTool && rule.Reply == "" && rule.Transfer == "" {
		reply = "Tool result: " + input
	}
	chunks := splitWords(reply)
	if rule.Transfer != "" {
		args, _ := json.Marshal(map[string]string{"agent": rule.Transfer})
		chunks = append(chunks, model.Chunk{
			Type:     model.ChunkToolCall,
			ToolCall: &model.ToolCall{ID: "call_transfer", Name: TransferToolName, Arguments: args},
		})
	}
	if rule.Call != nil && !lastIsTool {
		c := *rule.Call
		chunks = append(chunks, model.Chunk{Type: model.ChunkToolCall, ToolCall: &c})
	}
	chunks = append(chunks, model.Chunk{
		Type:  model.ChunkUsage,
		Usage: &model.Usage{InputTokens: int64(len(strings.Fields(input))), OutputTokens: int64(len(strings.Fields(reply)))},
	})

	return &streamer{
		ctx:    ctx,
		chunks: chunks,
		delay:  g.Delay,
		gate:   g.Gate,
		err:    rule.Err,
		stall:  rule.Stall,
	}, nil
}

func (g *Generator) pick(system, input string) (Rule, bool) {
	for _, r := range g.Rules {
		if r.matches(system, input) {
			return r, true
		}
	}
	return Rule{}, false
}

// defaultRule reports tool results, hands off when a transfer tool is offered, or echoes.
func defaultRule(req *model.Request, lastIsTool bool) Rule {
	if lastIsTool {
		return Rule{}
	}
	for _, t := range req.Tools {
		if t.Name != TransferToolName {
			continue
		}
		if targets := transferTargets(t); len(targets) > 0 {
			return Rule{Transfer: targets[0]}
		}
	}
	return Rule{Reply: "{input}"}
}

// transferTargets reads the enum of the transfer tool's "agent" parameter.
func transferTargets(t model.ToolDefinition) []string {
	props, _ := t.Parameters["properties"].(map[string]any)
	agent, _ := props["agent"].(map[string]any)
	switch enum := agent["enum"].(type) {
	case []string:
		return enum
	case []any:
		out := make([]string, 0, len(enum))
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// lastInput returns the content of the last user or tool message.
func lastInput(msgs []model.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case model.RoleUser:
			return msgs[i].Content, false
		case model.RoleTool:
			return msgs[i].Content, true
		}
	}
	return "", false
}

func splitWords(s string) []model.Chunk {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, " ")
	out := make([]model.Chunk, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, model.TextChunk(p))
		}
	}
	return out
}

type streamer struct {
	ctx    context.Context
	chunks []model.Chunk
	pos    int
	delay  time.Duration
	gate   <-chan struct{}
	err    error
	stall  bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return model.Chunk{}, err
	}
	if s.pos < len(s.chunks) {
		if s.pos > 0 {
			if err := s.wait(); err != nil {
				return model.Chunk{}, err
			}
		}
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return model.Chunk{}, s.err
	}
	if s.stall {
		<-s.ctx.Done()
		return model.Chunk{}, s.ctx.Err()
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) wait() error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}

func (s *streamer) Close() error { return nil }
