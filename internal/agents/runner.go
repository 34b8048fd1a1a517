// ABOUTME: Runs one agent turn on the shared model generator
// ABOUTME: Builds the request from the definition, binds tools and tags chunks with the agent name

package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/tools"
)

// RunnerOptions are request defaults applied when a definition does not set them.
type RunnerOptions struct {
	Model         string
	MaxTokens     int64
	Temperature   float64
	MaxToolRounds int
	Logger        *slog.Logger
}

// Runner realizes agent turns. It is safe for concurrent use.
type Runner struct {
	registry *Registry
	gen      model.Generator
	tools    *tools.Registry
	opts     RunnerOptions
	logger   *slog.Logger
}

// NewRunner creates a runner. A nil toolset disables tool execution; agents
// that declare tools then fail to start.
func NewRunner(registry *Registry, gen model.Generator, toolset *tools.Registry, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = model.DefaultMaxToolRounds
	}
	return &Runner{
		registry: registry,
		gen:      gen,
		tools:    toolset,
		opts:     opts,
		logger:   logger.With("component", "agent_runner"),
	}
}

// Registry returns the definitions this runner resolves names against.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run starts agent name on messages, which must end with the input to answer.
// Every chunk of the returned stream carries Agent = name. Tool calls are
// executed in place except transfer_to_agent, which is surfaced.
func (r *Runner) Run(ctx context.Context, name string, messages []model.Message) (model.Streamer, error) {
	if r.gen == nil {
		return nil, model.ErrNoProvider
	}
	def, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}
	req, err := r.buildRequest(def, messages)
	if err != nil {
		return nil, err
	}

	var invoker model.ToolInvoker
	if r.tools != nil {
		invoker = r.tools
	}
	loop := model.NewToolLoop(r.gen, invoker, r.logger, tools.TransferToolName).
		WithMaxRounds(r.opts.MaxToolRounds)

	r.logger.Debug("agent turn starting",
		"agent", name,
		"messages", len(req.Messages),
		"tools", len(req.Tools))

	inner, err := loop.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	return &taggedStream{inner: inner, agent: name}, nil
}

func (r *Runner) buildRequest(def Definition, messages []model.Message) (*model.Request, error) {
	req := &model.Request{
		Model:       def.Model,
		System:      def.Instructions,
		Messages:    append([]model.Message(nil), messages...),
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	}
	if req.Model == "" {
		req.Model = r.opts.Model
	}

	if len(def.Tools) > 0 {
		if r.tools == nil {
			return nil, fmt.Errorf("agent %s: %w: %v", def.Name, tools.ErrUnknownTool, def.Tools)
		}
		defs, err := r.tools.Definitions(def.Tools...)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", def.Name, err)
		}
		req.Tools = defs
	}
	if len(def.HandoffTargets) > 0 {
		req.Tools = append(req.Tools, tools.TransferTool(def.HandoffTargets))
	}
	return req, nil
}

type taggedStream struct {
	inner model.Streamer
	agent string
}

func (s *taggedStream) Recv() (model.Chunk, error) {
	c, err := s.inner.Recv()
	if err != nil {
		return c, err
	}
	c.Agent = s.agent
	return c, nil
}

func (s *taggedStream) Close() error {
	return s.inner.Close()
}
