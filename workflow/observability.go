package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/runflow/workflow"

// MetricsRecorder receives engine-level measurements. internal/metrics
// provides a Prometheus implementation.
type MetricsRecorder interface {
	RecordNodeExecution(nodeType, status string, duration time.Duration)
	RecordRecoveryDecision(nodeType, action string)
	RecordRun(mode, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordNodeExecution(string, string, time.Duration) {}
func (nopMetrics) RecordRecoveryDecision(string, string)             {}
func (nopMetrics) RecordRun(string, string, time.Duration)           {}

// instruments OpenTelemetry 追踪与指标
type instruments struct {
	tracer trace.Tracer

	// 计数
	nodeTotal metric.Int64Counter
	// 直方图
	nodeDuration metric.Float64Histogram
	// 活跃分支
	activeBranches metric.Int64UpDownCounter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	in := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	in.nodeTotal, err = meter.Int64Counter("runflow.node.executions",
		metric.WithDescription("Node execution attempts"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		in.nodeTotal, _ = fallback.Int64Counter("runflow.node.executions")
	}

	in.nodeDuration, err = meter.Float64Histogram("runflow.node.duration",
		metric.WithDescription("Node execution duration"),
		metric.WithUnit("s"))
	if err != nil {
		in.nodeDuration, _ = fallback.Float64Histogram("runflow.node.duration")
	}

	in.activeBranches, err = meter.Int64UpDownCounter("runflow.branches.active",
		metric.WithDescription("Branches currently executing"),
		metric.WithUnit("{branch}"))
	if err != nil {
		in.activeBranches, _ = fallback.Int64UpDownCounter("runflow.branches.active")
	}
	return in
}

func (in *instruments) startRun(ctx context.Context, workflow, runID string, mode RunMode) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", workflow),
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.mode", string(mode)),
		))
}

func (in *instruments) startNode(ctx context.Context, node Node, branch string, attempt int) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID()),
			attribute.String("node.type", node.Type()),
			attribute.String("workflow.branch", branch),
			attribute.Int("node.attempt", attempt),
		))
}

func (in *instruments) endNode(ctx context.Context, span trace.Span, node Node, status string, d time.Duration, errMsg string) {
	defer span.End()
	attrs := metric.WithAttributes(
		attribute.String("node_type", node.Type()),
		attribute.String("status", status),
	)
	in.nodeTotal.Add(ctx, 1, attrs)
	in.nodeDuration.Record(ctx, d.Seconds(), attrs)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}
}

func endSpan(span trace.Span, failed bool, msg string) {
	if failed {
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}
