// ABOUTME: Workflow specs and the validated graphs built from them
// ABOUTME: Sequential pipelines and closed handoff graphs over registered agents

package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/2389/chorus-gateway/internal/agents"
)

// Mode selects how a workflow drives its agents.
type Mode string

const (
	// ModeSequential runs Steps in order, piping each output into the next agent.
	ModeSequential Mode = "sequential"
	// ModeHandoff starts at Entry and follows transfer_to_agent calls along Edges.
	ModeHandoff Mode = "handoff"
)

var (
	// ErrUnknownWorkflow is returned for workflow names that were never defined.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidGraph is returned when a workflow cannot be built.
	ErrInvalidGraph = errors.New("invalid workflow graph")

	// ErrUnknownAgent is agents.ErrUnknownAgent, re-exported for errors.Is at call sites.
	ErrUnknownAgent = agents.ErrUnknownAgent

	// ErrEdgeNotPermitted is returned when an agent transfers along an edge the graph lacks.
	ErrEdgeNotPermitted = errors.New("handoff edge not permitted")

	// ErrTooManyHops is returned when a handoff chain exceeds MaxHops.
	ErrTooManyHops = errors.New("too many handoffs")
)

// Edge permits a handoff From one agent To another. Condition describes
// when the transfer applies; it is informational and shown to clients.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// WorkflowSpec is a workflow as defined in configuration.
type WorkflowSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Mode        Mode   `json:"mode"`
	// Steps lists the agents of a sequential workflow in order.
	Steps []string `json:"steps,omitempty"`
	// Entry is the first agent of a handoff workflow.
	Entry string `json:"entry,omitempty"`
	// Edges restricts a handoff workflow. When empty, every declared handoff
	// target reachable from Entry becomes an edge.
	Edges []Edge `json:"edges,omitempty"`
}

func (s WorkflowSpec) clone() WorkflowSpec {
	s.Steps = slices.Clone(s.Steps)
	s.Edges = slices.Clone(s.Edges)
	return s
}

// Graph is a validated, read-only workflow.
type Graph struct {
	Name  string            `json:"name"`
	Mode  Mode              `json:"mode"`
	Entry string            `json:"entry"`
	Steps []string          `json:"steps"` // execution order, or reachable nodes in BFS order
	Edges map[string][]Edge `json:"edges"`
}

// Terminal reports whether agent has no outgoing edges.
func (g *Graph) Terminal(agent string) bool {
	return len(g.Edges[agent]) == 0
}

// Permits reports whether the graph has an edge from -> to.
func (g *Graph) Permits(from, to string) bool {
	for _, e := range g.Edges[from] {
		if e.To == to {
			return true
		}
	}
	return false
}

// build validates spec against the agent registry.
func build(spec WorkflowSpec, registry *agents.Registry) (*Graph, error) {
	switch spec.Mode {
	case ModeSequential:
		return buildSequential(spec, registry)
	case ModeHandoff:
		return buildHandoff(spec, registry)
	default:
		return nil, fmt.Errorf("%w %q: unknown mode %q", ErrInvalidGraph, spec.Name, spec.Mode)
	}
}

func buildSequential(spec WorkflowSpec, registry *agents.Registry) (*Graph, error) {
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("%w %q: sequential workflow needs steps", ErrInvalidGraph, spec.Name)
	}
	g := &Graph{
		Name:  spec.Name,
		Mode:  ModeSequential,
		Entry: spec.Steps[0],
		Steps: slices.Clone(spec.Steps),
		Edges: make(map[string][]Edge),
	}
	for i, step := range spec.Steps {
		if _, err := registry.Get(step); err != nil {
			return nil, fmt.Errorf("workflow %q step %d: %w", spec.Name, i, err)
		}
		if i > 0 {
			prev := spec.Steps[i-1]
			g.Edges[prev] = append(g.Edges[prev], Edge{From: prev, To: step})
		}
	}
	return g, nil
}

func buildHandoff(spec WorkflowSpec, registry *agents.Registry) (*Graph, error) {
	if spec.Entry == "" {
		return nil, fmt.Errorf("%w %q: handoff workflow needs an entry agent", ErrInvalidGraph, spec.Name)
	}
	if _, err := registry.Get(spec.Entry); err != nil {
		return nil, fmt.Errorf("workflow %q entry: %w", spec.Name, err)
	}

	g := &Graph{
		Name:  spec.Name,
		Mode:  ModeHandoff,
		Entry: spec.Entry,
		Edges: make(map[string][]Edge),
	}

	if len(spec.Edges) > 0 {
		for _, e := range spec.Edges {
			from, err := registry.Get(e.From)
			if err != nil {
				return nil, fmt.Errorf("workflow %q edge %s->%s: %w", spec.Name, e.From, e.To, err)
			}
			if _, err := registry.Get(e.To); err != nil {
				return nil, fmt.Errorf("workflow %q edge %s->%s: %w", spec.Name, e.From, e.To, err)
			}
			if !from.CanHandOffTo(e.To) {
				return nil, fmt.Errorf("%w %q: agent %s does not declare handoff target %s",
					ErrInvalidGraph, spec.Name, e.From, e.To)
			}
			if g.Permits(e.From, e.To) {
				return nil, fmt.Errorf("%w %q: duplicate edge %s->%s", ErrInvalidGraph, spec.Name, e.From, e.To)
			}
			g.Edges[e.From] = append(g.Edges[e.From], e)
		}
		g.Steps = reachable(g)
		return g, nil
	}

	// derive edges from declared handoff targets, breadth first from Entry
	queue := []string{spec.Entry}
	seen := map[string]bool{spec.Entry: true}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		def, err := registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", spec.Name, err)
		}
		for _, target := range def.HandoffTargets {
			g.Edges[name] = append(g.Edges[name], Edge{From: name, To: target})
			if !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}
	g.Steps = reachable(g)
	return g, nil
}

// reachable lists nodes reachable from Entry in breadth-first edge order.
func reachable(g *Graph) []string {
	order := []string{g.Entry}
	seen := map[string]bool{g.Entry: true}
	for i := 0; i < len(order); i++ {
		for _, e := range g.Edges[order[i]] {
			if !seen[e.To] {
				seen[e.To] = true
				order = append(order, e.To)
			}
		}
	}
	return order
}

// DefaultWorkflows returns the built-in workflows over agents.DefaultCatalog.
func DefaultWorkflows() []WorkflowSpec {
	return []WorkflowSpec{
		{
			Name:        "triage",
			Description: "The router hands the message to the specialist that fits it",
			Mode:        ModeHandoff,
			Entry:       agents.Router,
			Edges: []Edge{
				{From: agents.Router, To: agents.Language, Condition: "the user asks which language a text is in"},
				{From: agents.Router, To: agents.Summarizer, Condition: "the user wants a text shortened or summarized"},
				{From: agents.Router, To: agents.Sentiment, Condition: "the user asks about tone or emotion"},
				{From: agents.Router, To: agents.Answer, Condition: "anything else"},
			},
		},
		{
			Name:        "pipeline",
			Description: "Summarizes the message, then classifies the sentiment of the summary",
			Mode:        ModeSequential,
			Steps:       []string{agents.Summarizer, agents.Sentiment},
		},
	}
}
