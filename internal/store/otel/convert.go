package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/agentsh/agentgate/pkg/types"
)

func toRecord(e types.AuditEntry) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(e.CreatedAt)
	rec.SetBody(otellog.StringValue(entryBody(e)))
	sev := entrySeverity(e)
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(entryAttributes(e)...)
	return rec
}

// entryBody is a one-line summary such as "file_write /srv/app.go [deny]".
func entryBody(e types.AuditEntry) string {
	target := e.Target
	if target == "" {
		target = e.Request.Path
	}
	if target == "" {
		target = e.Request.CommandLine()
	}
	if target == "" {
		target = e.Request.Resource
	}
	if target == "" {
		return fmt.Sprintf("%s [%s]", e.Request.Operation, e.Decision.Outcome)
	}
	return fmt.Sprintf("%s %s [%s]", e.Request.Operation, target, e.Decision.Outcome)
}

func entrySeverity(e types.AuditEntry) otellog.Severity {
	switch e.Decision.Source {
	case types.SourceEmergencyStop, types.SourceError:
		return otellog.SeverityError
	}
	switch e.Decision.Outcome {
	case types.OutcomeDeny:
		return otellog.SeverityWarn
	case types.OutcomeTimeout:
		return otellog.SeverityWarn2
	default:
		return otellog.SeverityInfo
	}
}

func entryAttributes(e types.AuditEntry) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String("agentgate.entry.id", e.ID),
		otellog.String("agentgate.request.id", e.Request.ID),
		otellog.String("agentgate.operation", e.Request.Operation.String()),
		otellog.String("agentgate.severity", string(e.Request.Severity)),
		otellog.String("agentgate.decision", string(e.Decision.Outcome)),
		otellog.String("agentgate.decision.source", string(e.Decision.Source)),
		otellog.Int64("agentgate.policy.version", e.PolicyVersion),
	}
	if e.Session.ID != "" {
		attrs = append(attrs,
			otellog.String("agentgate.session.id", e.Session.ID),
			otellog.Int("agentgate.session.trust", e.Session.TrustLevel),
		)
	}
	if e.Target != "" {
		attrs = append(attrs, otellog.String("agentgate.target", e.Target))
	}
	if e.Request.Path != "" {
		attrs = append(attrs, otellog.String("agentgate.path", e.Request.Path))
	}
	if cl := e.Request.CommandLine(); cl != "" {
		attrs = append(attrs, otellog.String("agentgate.command", cl))
	}
	if e.Request.Resource != "" {
		attrs = append(attrs, otellog.String("agentgate.resource", e.Request.Resource))
	}
	if e.Decision.Rule != "" {
		attrs = append(attrs, otellog.String("agentgate.policy.rule", e.Decision.Rule))
	}
	if e.Decision.Reason != "" {
		attrs = append(attrs, otellog.String("agentgate.decision.reason", e.Decision.Reason))
	}
	if e.Risk != nil {
		attrs = append(attrs,
			otellog.Int("agentgate.risk.score", e.Risk.Score),
			otellog.String("agentgate.risk.recommendation", string(e.Risk.Recommendation)),
		)
	}
	if e.Integrity != nil {
		attrs = append(attrs,
			otellog.Int64("agentgate.integrity.sequence", e.Integrity.Sequence),
			otellog.String("agentgate.integrity.hash", e.Integrity.EntryHash),
		)
	}
	return attrs
}

// BuildResource creates a Resource carrying serviceName and extra attributes.
func BuildResource(serviceName string, extra map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extra {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
