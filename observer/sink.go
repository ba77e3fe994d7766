package observer

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelworks/conductor"
)

// ObservedSink wraps a conductor.EventSink, counting run outcomes and
// mirroring terminal events into OTEL logs before forwarding. Span-level
// detail comes from the tracer; the sink covers the aggregate counters
// that survive after individual traces are sampled away.
type ObservedSink struct {
	inner conductor.EventSink
	inst  *Instruments
}

// WrapSink returns an instrumented event sink.
func WrapSink(inner conductor.EventSink, inst *Instruments) *ObservedSink {
	return &ObservedSink{inner: inner, inst: inst}
}

func (o *ObservedSink) Emit(ev conductor.Event) {
	ctx := context.Background()

	switch ev.Type {
	case conductor.EventWorkflowComplete, conductor.EventWorkflowError:
		status := "completed"
		if ev.Type == conductor.EventWorkflowError {
			status = "failed"
		}
		o.inst.WorkflowRuns.Add(ctx, 1, metric.WithAttributes(
			AttrTaskStatus.String(status),
		))
		o.logTerminal(ctx, ev, status)

	case conductor.EventTaskComplete:
		// The orchestrator's run summary carries total_duration; sub-agent
		// completions carry a per-subtask status instead.
		if s, ok := ev.Payload["total_duration"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				o.inst.WorkflowDuration.Record(ctx, float64(d.Milliseconds()))
			}
		} else {
			status := "failed"
			if ok, _ := ev.Payload["success"].(bool); ok {
				status = "completed"
			}
			o.inst.SubTaskRuns.Add(ctx, 1, metric.WithAttributes(
				AttrTaskStatus.String(status),
			))
		}
	}

	o.inner.Emit(ev)
}

func (o *ObservedSink) logTerminal(ctx context.Context, ev conductor.Event, status string) {
	var rec otellog.Record
	sev := otellog.SeverityInfo
	if ev.Type == conductor.EventWorkflowError {
		sev = otellog.SeverityError
	}
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue("workflow finished"))
	rec.AddAttributes(
		otellog.String("task.id", ev.TaskID),
		otellog.String("task.status", status),
	)
	if msg, ok := ev.Payload["message"].(string); ok && msg != "" {
		rec.AddAttributes(otellog.String("error", msg))
	}
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ conductor.EventSink = (*ObservedSink)(nil)
