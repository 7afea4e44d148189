package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the execution core. All Record
// methods are safe on a nil *Metrics.
type Metrics struct {
	TurnDuration     metric.Float64Histogram
	TurnsTotal       metric.Int64Counter
	ModelCallLatency metric.Float64Histogram
	ModelRetries     metric.Int64Counter
	ToolCalls        metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	SandboxDuration  metric.Float64Histogram
	PolicyDenials    metric.Int64Counter
	EventQueueWaits  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TurnDuration, err = meter.Float64Histogram("labclaw.turn.duration",
		metric.WithDescription("Turn wall-clock duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TurnsTotal, err = meter.Int64Counter("labclaw.turns",
		metric.WithDescription("Completed turns by terminal status"),
	); err != nil {
		return nil, err
	}
	if m.ModelCallLatency, err = meter.Float64Histogram("labclaw.model.duration",
		metric.WithDescription("Model generate call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ModelRetries, err = meter.Int64Counter("labclaw.model.retries",
		metric.WithDescription("Model transport retries"),
	); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter("labclaw.tool_calls",
		metric.WithDescription("Dispatched tool calls by skill and status"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("labclaw.tool_call.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.SandboxDuration, err = meter.Float64Histogram("labclaw.sandbox.duration",
		metric.WithDescription("Sandbox child process duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.PolicyDenials, err = meter.Int64Counter("labclaw.policy.denials",
		metric.WithDescription("Static policy denials by rule"),
	); err != nil {
		return nil, err
	}
	if m.EventQueueWaits, err = meter.Int64Counter("labclaw.events.blocked",
		metric.WithDescription("Emits that blocked on a full session queue"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordTurn(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TurnsTotal.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordModelCall(ctx context.Context, d time.Duration, retries int) {
	if m == nil {
		return
	}
	m.ModelCallLatency.Record(ctx, d.Seconds())
	if retries > 0 {
		m.ModelRetries.Add(ctx, int64(retries))
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, skill, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrSkillName.String(skill), attribute.String("status", status))
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordSandbox(ctx context.Context, language, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.SandboxDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrLanguage.String(language), attribute.String("outcome", kind)))
}

func (m *Metrics) RecordPolicyDenial(ctx context.Context, rule string) {
	if m == nil {
		return
	}
	m.PolicyDenials.Add(ctx, 1, metric.WithAttributes(AttrPolicyRule.String(rule)))
}

func (m *Metrics) RecordQueueBlocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.EventQueueWaits.Add(ctx, 1)
}
