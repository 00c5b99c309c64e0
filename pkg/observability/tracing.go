// Package observability holds the OpenTelemetry span helpers used along the
// request lifecycle.
package observability

import (
	"context"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "agentgate"
)

// TraceRequest starts the root span for one submitted request.
func TraceRequest(ctx context.Context, req types.OperationRequest) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)

	attrs := []attribute.KeyValue{
		attribute.String("request.id", req.ID),
		attribute.String("session.id", req.SessionID),
		attribute.String("operation.type", req.Operation.String()),
		attribute.String("operation.severity", string(req.Severity)),
	}
	if req.Path != "" {
		attrs = append(attrs, attribute.String("operation.path", req.Path))
	}
	if req.Command != "" {
		attrs = append(attrs, attribute.String("operation.command", req.Command))
	}
	if req.Resource != "" {
		attrs = append(attrs, attribute.String("operation.resource", req.Resource))
	}

	return tracer.Start(ctx, "consent."+req.Operation.String(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordDecision records the final decision on a span.
func RecordDecision(span trace.Span, d types.Decision) {
	span.SetAttributes(
		attribute.String("decision", string(d.Outcome)),
		attribute.String("decision.source", string(d.Source)),
	)
	if d.Rule != "" {
		span.SetAttributes(attribute.String("decision.rule", d.Rule))
	}
	if !d.Outcome.Permits() {
		span.SetStatus(codes.Error, "operation not permitted: "+string(d.Source))
	}
}

// RecordRisk records a risk assessment on a span.
func RecordRisk(span trace.Span, r types.RiskAssessment) {
	span.SetAttributes(
		attribute.Int("risk.score", r.Score),
		attribute.String("risk.recommendation", string(r.Recommendation)),
		attribute.StringSlice("risk.factors", r.Factors),
	)
}

// RecordApproval records the arrival of a human decision on a span.
func RecordApproval(span trace.Span, source types.DecisionSource, approved bool, waited time.Duration) {
	span.AddEvent("approval_received", trace.WithAttributes(
		attribute.String("source", string(source)),
		attribute.Bool("approved", approved),
		attribute.Int64("duration_ms", waited.Milliseconds()),
	))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// PolicyEvalSpan creates a child span for policy evaluation.
func PolicyEvalSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "policy_eval",
		trace.WithAttributes(attribute.String("policy.subject", subject)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// ApprovalSpan creates a child span covering the wait for a human decision.
func ApprovalSpan(ctx context.Context, op types.Operation, target string, timeout time.Duration) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	return tracer.Start(ctx, "awaiting_approval",
		trace.WithAttributes(
			attribute.String("operation.type", op.String()),
			attribute.String("operation.target", target),
			attribute.Int64("timeout_ms", timeout.Milliseconds()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
