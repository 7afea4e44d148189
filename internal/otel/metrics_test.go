package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m := p.Metrics
	if m == nil {
		t.Fatal("expected metrics on provider")
	}
	if m.TurnDuration == nil || m.TurnsTotal == nil || m.ModelCallLatency == nil || m.ModelRetries == nil {
		t.Error("turn or model instruments missing")
	}
	if m.ToolCalls == nil || m.ToolCallDuration == nil {
		t.Error("tool call instruments missing")
	}
	if m.SandboxDuration == nil || m.PolicyDenials == nil || m.EventQueueWaits == nil {
		t.Error("sandbox, policy or event instruments missing")
	}
}

func TestMetrics_RecordOnNoopAndNil(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx := context.Background()
	for _, m := range []*Metrics{p.Metrics, nil} {
		m.RecordTurn(ctx, "done", time.Second)
		m.RecordModelCall(ctx, time.Millisecond, 2)
		m.RecordToolCall(ctx, "t_test", "ok", time.Millisecond)
		m.RecordSandbox(ctx, "python", "ok", time.Millisecond)
		m.RecordPolicyDenial(ctx, "python.import")
		m.RecordQueueBlocked(ctx)
	}
}
