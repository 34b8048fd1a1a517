// ABOUTME: Workflow orchestrator that registers workflow specs and drives them per turn
// ABOUTME: RunTurn returns a lazy stream of agent-tagged chunks, like a single agent would

package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/chorus-gateway/internal/agents"
	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/tools"
)

// DefaultMaxHops bounds the number of handoffs in one turn.
const DefaultMaxHops = 8

// Options configures an Orchestrator.
type Options struct {
	MaxHops int
	Logger  *slog.Logger
}

// Orchestrator holds workflow specs and runs turns through them.
type Orchestrator struct {
	mu      sync.RWMutex
	specs   map[string]WorkflowSpec
	runner  *agents.Runner
	maxHops int
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator with no workflows defined.
func NewOrchestrator(runner *agents.Runner, opts Options) *Orchestrator {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		specs:   make(map[string]WorkflowSpec),
		runner:  runner,
		maxHops: opts.MaxHops,
		logger:  opts.Logger.With("component", "workflow"),
	}
}

// Define registers spec, replacing a workflow with the same name. The spec
// must build against the current agent registry.
func (o *Orchestrator) Define(spec WorkflowSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalidGraph)
	}
	if _, err := build(spec, o.runner.Registry()); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	_, replaced := o.specs[spec.Name]
	o.specs[spec.Name] = spec.clone()
	o.logger.Info("workflow defined", "workflow", spec.Name, "mode", spec.Mode, "replaced", replaced)
	return nil
}

// Workflows returns every defined spec sorted by name.
func (o *Orchestrator) Workflows() []WorkflowSpec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]WorkflowSpec, 0, len(o.specs))
	for _, s := range o.specs {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuildWorkflow validates the named workflow against the agent registry and
// returns its graph. It has no side effects.
func (o *Orchestrator) BuildWorkflow(name string) (*Graph, error) {
	o.mu.RLock()
	spec, ok := o.specs[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return build(spec, o.runner.Registry())
}

// RunTurn drives the named workflow over messages, which end with the user
// input. Building errors are returned directly; routing errors surface from
// Recv. The returned stream also reports the agents that ran via Agents.
func (o *Orchestrator) RunTurn(ctx context.Context, name string, messages []model.Message) (*Stream, error) {
	g, err := o.BuildWorkflow(name)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("workflow turn starting", "workflow", name, "mode", g.Mode, "entry", g.Entry)
	return &Stream{
		o:        o,
		ctx:      ctx,
		graph:    g,
		messages: append([]model.Message(nil), messages...),
	}, nil
}

// Stream is a lazily driven workflow turn. It implements model.Streamer.
type Stream struct {
	o        *Orchestrator
	ctx      context.Context
	graph    *Graph
	messages []model.Message

	cur      model.Streamer
	curAgent string
	buffered bool // hold text until the current agent's stream ends
	text     strings.Builder
	held     []model.Chunk
	transfer *model.ToolCall

	step    int // next sequential step
	hops    int
	path    []string
	pending []model.Chunk
	started bool
	done    bool
	err     error
}

var _ model.Streamer = (*Stream)(nil)

// Agents returns the agents started so far, in order.
func (s *Stream) Agents() []string {
	return append([]string(nil), s.path...)
}

// Recv implements model.Streamer.
func (s *Stream) Recv() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			if s.err != nil {
				return model.Chunk{}, s.err
			}
			return model.Chunk{}, io.EOF
		}

		if !s.started {
			s.started = true
			if err := s.begin(); err != nil {
				s.fail(err)
			}
			continue
		}

		c, err := s.cur.Recv()
		if errors.Is(err, io.EOF) {
			if err := s.agentFinished(); err != nil {
				s.fail(err)
			}
			continue
		}
		if err != nil {
			s.fail(err)
			continue
		}

		switch c.Type {
		case model.ChunkText:
			if s.buffered {
				s.text.WriteString(c.Text)
				s.held = append(s.held, c)
				continue
			}
			s.text.WriteString(c.Text)
			return c, nil
		case model.ChunkToolCall:
			if c.ToolCall != nil && c.ToolCall.Name == tools.TransferToolName &&
				s.graph.Mode == ModeHandoff && s.transfer == nil {
				call := *c.ToolCall
				s.transfer = &call
			}
			continue
		default:
			// usage and any future chunk kinds pass through unbuffered
			return c, nil
		}
	}
}

func (s *Stream) begin() error {
	switch s.graph.Mode {
	case ModeSequential:
		s.step = 1
		return s.startAgent(s.graph.Steps[0], s.messages, len(s.graph.Steps) > 1)
	default:
		return s.startAgent(s.graph.Entry, s.messages, !s.graph.Terminal(s.graph.Entry))
	}
}

func (s *Stream) startAgent(name string, messages []model.Message, buffered bool) error {
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
	stream, err := s.o.runner.Run(s.ctx, name, messages)
	if err != nil {
		return err
	}
	s.cur = stream
	s.curAgent = name
	s.buffered = buffered
	s.text.Reset()
	s.held = nil
	s.transfer = nil
	s.path = append(s.path, name)
	return nil
}

// agentFinished decides what follows the current agent's stream.
func (s *Stream) agentFinished() error {
	if s.graph.Mode == ModeSequential {
		if s.step >= len(s.graph.Steps) {
			s.finish()
			return nil
		}
		output := s.text.String()
		next := s.graph.Steps[s.step]
		s.step++
		msgs := append(append([]model.Message(nil), s.messages...), model.Message{Role: model.RoleUser, Content: output})
		return s.startAgent(next, msgs, s.step < len(s.graph.Steps))
	}

	if s.transfer == nil {
		// no handoff: the buffered output is the answer
		s.pending = append(s.pending, s.held...)
		s.finish()
		return nil
	}

	from := s.curAgent
	target, err := tools.ParseTransfer(*s.transfer)
	if err != nil {
		return fmt.Errorf("agent %s: %w", from, err)
	}
	if _, err := s.o.runner.Registry().Get(target); err != nil {
		return fmt.Errorf("agent %s transferred to %q: %w", from, target, err)
	}
	if !s.graph.Permits(from, target) {
		return fmt.Errorf("%w: %s -> %s in workflow %q", ErrEdgeNotPermitted, from, target, s.graph.Name)
	}
	s.hops++
	if s.hops > s.o.maxHops {
		return fmt.Errorf("%w: more than %d in workflow %q", ErrTooManyHops, s.o.maxHops, s.graph.Name)
	}

	s.o.logger.Debug("handoff", "workflow", s.graph.Name, "from", from, "to", target, "hop", s.hops)
	return s.startAgent(target, s.messages, !s.graph.Terminal(target))
}

func (s *Stream) finish() {
	s.done = true
	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
}

func (s *Stream) fail(err error) {
	s.o.logger.Warn("workflow turn failed",
		"workflow", s.graph.Name,
		"agent", s.curAgent,
		"error", err)
	s.err = err
	s.pending = nil
	s.finish()
}

// Close implements model.Streamer.
func (s *Stream) Close() error {
	if !s.done {
		s.started = true
		s.finish()
	}
	return nil
}
