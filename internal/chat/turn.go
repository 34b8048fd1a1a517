// ABOUTME: One assistant turn: pulls model chunks and publishes them as fragments
// ABOUTME: Classifies the outcome and always finalizes with a closing fragment and an archived transcript

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/chorus-gateway/internal/cancellation"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/store"
	"github.com/2389/chorus-gateway/internal/telemetry"
)

// Outcome is how a turn ended.
type Outcome string

const (
	Completed Outcome = store.OutcomeCompleted
	Cancelled Outcome = store.OutcomeCancelled
	Failed    Outcome = store.OutcomeFailed
)

// agentLister is implemented by workflow streams.
type agentLister interface {
	Agents() []string
}

type turn struct {
	svc      *Service
	handle   TurnHandle
	token    *cancellation.Token
	messages []model.Message
	started  time.Time
	logger   *slog.Logger

	text      strings.Builder
	agents    []string
	fragments int
	usage     model.Usage
}

func (t *turn) run() {
	s := t.svc
	ctx, span := s.telemetry.StartTurn(t.token.Context(), telemetry.TurnInfo{
		ConversationID: t.handle.ConversationID,
		MessageID:      t.handle.MessageID,
		Workflow:       t.handle.Workflow,
	})

	outcome, err := t.generate(ctx, span)
	t.finalize(outcome, err, span)
}

// generate streams the reply and classifies how it ended.
func (t *turn) generate(ctx context.Context, span *telemetry.Turn) (Outcome, error) {
	stream, err := t.open(ctx)
	if err != nil {
		return t.classify(ctx, err)
	}
	defer stream.Close()

	for {
		t.token.Extend()
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			t.collectAgents(stream, span)
			if t.token.Cancelled() {
				return Cancelled, context.Cause(t.token.Context())
			}
			return Completed, nil
		}
		if err != nil {
			t.collectAgents(stream, span)
			return t.classify(ctx, err)
		}

		if c.Agent != "" && (len(t.agents) == 0 || t.agents[len(t.agents)-1] != c.Agent) {
			t.agents = append(t.agents, c.Agent)
			span.Agent(c.Agent)
		}

		switch c.Type {
		case model.ChunkText:
			if c.Text == "" {
				continue
			}
			published := t.token.WhileActive(func() {
				t.publish(c.Text, false)
				t.text.WriteString(c.Text)
			})
			if !published {
				return Cancelled, context.Cause(t.token.Context())
			}
			t.token.Extend()
		case model.ChunkUsage:
			if c.Usage != nil {
				t.usage.InputTokens += c.Usage.InputTokens
				t.usage.OutputTokens += c.Usage.OutputTokens
			}
		}
	}
}

func (t *turn) open(ctx context.Context) (model.Streamer, error) {
	s := t.svc
	if t.handle.Workflow != "" {
		stream, err := s.workflows.RunTurn(ctx, t.handle.Workflow, t.messages)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
	return s.runner.Run(ctx, s.opts.Agent, t.messages)
}

// collectAgents prefers the workflow's own record of which agents ran,
// which includes agents whose output was held back.
func (t *turn) collectAgents(stream model.Streamer, span *telemetry.Turn) {
	l, ok := stream.(agentLister)
	if !ok {
		return
	}
	path := l.Agents()
	if len(path) <= len(t.agents) {
		return
	}
	for _, a := range path[len(t.agents):] {
		span.Agent(a)
	}
	t.agents = path
}

func (t *turn) classify(ctx context.Context, err error) (Outcome, error) {
	if t.token.Cancelled() || ctx.Err() != nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cause := context.Cause(t.token.Context()); cause != nil {
			return Cancelled, cause
		}
		return Cancelled, err
	}
	return Failed, err
}

func (t *turn) publish(text string, final bool) {
	_, err := t.svc.fragments.Publish(t.handle.ConversationID, conversation.Fragment{
		MessageID: t.handle.MessageID,
		Role:      conversation.RoleAssistant,
		Text:      text,
		IsFinal:   final,
	})
	if err != nil {
		t.logger.Error("failed to publish fragment", "error", err)
		return
	}
	t.fragments++
}

// finalize runs once per turn whatever the outcome.
func (t *turn) finalize(outcome Outcome, err error, span *telemetry.Turn) {
	s := t.svc
	if outcome == Failed {
		published := t.token.WhileActive(func() {
			t.publish(s.opts.ErrorText, false)
		})
		if !published {
			outcome = Cancelled
		}
	}
	t.publish("", true)
	s.markIdle(t.handle.ConversationID)
	s.tokens.Remove(t.handle.MessageID)

	finished := time.Now()
	s.saveTurn(&store.Turn{
		MessageID:      t.handle.MessageID,
		ConversationID: t.handle.ConversationID,
		Role:           string(conversation.RoleAssistant),
		Content:        t.text.String(),
		Outcome:        string(outcome),
		Agents:         t.agents,
		InputTokens:    t.usage.InputTokens,
		OutputTokens:   t.usage.OutputTokens,
		CreatedAt:      t.started,
		FinishedAt:     finished,
	}, t.handle.Workflow)

	var spanErr error
	if outcome == Failed {
		spanErr = err
	}
	span.End(context.Background(), telemetry.TurnResult{
		Outcome:      string(outcome),
		Err:          spanErr,
		Fragments:    t.fragments,
		InputTokens:  t.usage.InputTokens,
		OutputTokens: t.usage.OutputTokens,
	})

	attrs := []any{
		"outcome", outcome,
		"fragments", t.fragments,
		"agents", t.agents,
		"duration", finished.Sub(t.started),
	}
	switch outcome {
	case Failed:
		t.logger.Error("turn failed", append(attrs, "error", err)...)
	case Cancelled:
		t.logger.Info("turn cancelled", append(attrs, "cause", err)...)
	default:
		t.logger.Info("turn completed", attrs...)
	}
}
