package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestTraceRequest_DeniedDecision(t *testing.T) {
	rec := withRecorder(t)

	req := types.OperationRequest{
		ID:        "req-1",
		SessionID: "sess-1",
		Operation: types.OpRecursiveDelete,
		Severity:  types.SeverityCritical,
		Path:      "/tmp/cache",
	}
	ctx, span := TraceRequest(context.Background(), req)
	assert.NotEmpty(t, ExtractTraceID(ctx))

	RecordRisk(span, types.RiskAssessment{Score: 100, Factors: []string{"base recursive_delete (+70)"}, Recommendation: types.RecommendDeny})
	RecordDecision(span, types.Decision{Outcome: types.OutcomeDeny, Source: types.SourceAutoReject})
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "consent.recursive_delete", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)

	attrs := attrMap(s.Attributes())
	assert.Equal(t, "req-1", attrs["request.id"].AsString())
	assert.Equal(t, "/tmp/cache", attrs["operation.path"].AsString())
	assert.EqualValues(t, 100, attrs["risk.score"].AsInt64())
	assert.Equal(t, "auto-reject", attrs["decision.source"].AsString())
}

func TestChildSpans(t *testing.T) {
	rec := withRecorder(t)

	ctx, root := TraceRequest(context.Background(), types.OperationRequest{ID: "r", Operation: types.OpFileWrite})
	_, pol := PolicyEvalSpan(ctx, "file_write:/w/a.txt")
	pol.End()
	_, wait := ApprovalSpan(ctx, types.OpFileWrite, "/w/a.txt", 30*time.Second)
	RecordApproval(wait, types.SourceUser, true, 2*time.Second)
	wait.End()
	RecordDecision(root, types.Decision{Outcome: types.OutcomeAllow, Source: types.SourceUser})
	root.End()

	ended := rec.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "policy_eval", ended[0].Name())
	assert.Equal(t, "awaiting_approval", ended[1].Name())
	assert.Equal(t, ended[2].SpanContext().SpanID(), ended[0].Parent().SpanID())
	require.Len(t, ended[1].Events(), 1)
	assert.Equal(t, "approval_received", ended[1].Events()[0].Name)
	assert.NotEqual(t, codes.Error, ended[2].Status().Code)
}

func TestRecordError(t *testing.T) {
	rec := withRecorder(t)
	_, span := TraceRequest(context.Background(), types.OperationRequest{ID: "r", Operation: types.OpFileRead})
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "boom", s.Status().Description)
}

func TestExtractTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, ExtractTraceID(context.Background()))
}
