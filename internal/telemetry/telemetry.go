// ABOUTME: OpenTelemetry spans and metrics for conversation turns
// ABOUTME: One chat.turn span per turn plus turn, fragment and duration instruments

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies this module to OpenTelemetry providers.
const InstrumentationName = "github.com/2389/chorus-gateway"

// Instrument names.
const (
	SpanTurn        = "chat.turn"
	MetricTurns     = "chorus.turns"
	MetricFragments = "chorus.fragments"
	MetricDuration  = "chorus.turn.duration"
	MetricTokens    = "chorus.tokens"
)

// Recorder creates turn spans and records turn metrics.
type Recorder struct {
	tracer    trace.Tracer
	turns     metric.Int64Counter
	fragments metric.Int64Counter
	tokens    metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewGlobal builds a Recorder on the global providers, which are no-ops until
// the process installs real ones with otel.SetTracerProvider/SetMeterProvider.
func NewGlobal() *Recorder {
	r, err := New(otel.Tracer(InstrumentationName), otel.Meter(InstrumentationName))
	if err != nil {
		// instrument creation only fails on invalid names, which are constants here
		panic(err)
	}
	return r
}

// New builds a Recorder on an explicit tracer and meter.
func New(tracer trace.Tracer, meter metric.Meter) (*Recorder, error) {
	turns, err := meter.Int64Counter(MetricTurns,
		metric.WithDescription("Finished conversation turns by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricTurns, err)
	}
	fragments, err := meter.Int64Counter(MetricFragments,
		metric.WithDescription("Fragments appended to conversation logs"))
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricFragments, err)
	}
	tokens, err := meter.Int64Counter(MetricTokens,
		metric.WithDescription("Model tokens consumed by turns"))
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricTokens, err)
	}
	duration, err := meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Wall time from turn start to finalize"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating %s histogram: %w", MetricDuration, err)
	}
	return &Recorder{
		tracer:    tracer,
		turns:     turns,
		fragments: fragments,
		tokens:    tokens,
		duration:  duration,
	}, nil
}

// Fragment counts one appended fragment.
func (r *Recorder) Fragment(ctx context.Context, role string) {
	r.fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// TurnInfo describes a turn when its span starts.
type TurnInfo struct {
	ConversationID string
	MessageID      string
	Workflow       string
}

// Turn is an in-flight turn measurement. End must be called exactly once.
type Turn struct {
	r        *Recorder
	span     trace.Span
	started  time.Time
	workflow string
}

// StartTurn opens the chat.turn span. The returned context carries the span.
func (r *Recorder) StartTurn(ctx context.Context, info TurnInfo) (context.Context, *Turn) {
	attrs := []attribute.KeyValue{
		attribute.String("conversation_id", info.ConversationID),
		attribute.String("message_id", info.MessageID),
	}
	if info.Workflow != "" {
		attrs = append(attrs, attribute.String("workflow", info.Workflow))
	}
	ctx, span := r.tracer.Start(ctx, SpanTurn, trace.WithAttributes(attrs...))
	return ctx, &Turn{r: r, span: span, started: time.Now(), workflow: info.Workflow}
}

// Agent records that an agent took over the turn.
func (t *Turn) Agent(name string) {
	t.span.AddEvent("agent", trace.WithAttributes(attribute.String("agent", name)))
}

// TurnResult is what End records.
type TurnResult struct {
	Outcome      string
	Err          error
	Fragments    int
	InputTokens  int64
	OutputTokens int64
}

// End records the outcome metrics and ends the span.
func (t *Turn) End(ctx context.Context, res TurnResult) {
	outcome := attribute.String("outcome", res.Outcome)
	mode := "agent"
	if t.workflow != "" {
		mode = "workflow"
	}
	opt := metric.WithAttributes(outcome, attribute.String("mode", mode))

	t.r.turns.Add(ctx, 1, opt)
	t.r.duration.Record(ctx, time.Since(t.started).Seconds(), opt)
	if res.InputTokens > 0 {
		t.r.tokens.Add(ctx, res.InputTokens, metric.WithAttributes(attribute.String("direction", "input")))
	}
	if res.OutputTokens > 0 {
		t.r.tokens.Add(ctx, res.OutputTokens, metric.WithAttributes(attribute.String("direction", "output")))
	}

	t.span.SetAttributes(outcome,
		attribute.Int("fragments", res.Fragments),
		attribute.Int64("input_tokens", res.InputTokens),
		attribute.Int64("output_tokens", res.OutputTokens))
	if res.Err != nil {
		t.span.RecordError(res.Err)
		t.span.SetStatus(codes.Error, res.Err.Error())
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.End()
}
