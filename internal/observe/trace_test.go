package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "session.call")
	cid := CorrelationID(ctx)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.call" {
		t.Fatalf("recorded spans = %v, want one session.call", spans)
	}
	if cid != spans[0].SpanContext.TraceID().String() {
		t.Errorf("CorrelationID = %q, want the span's trace ID", cid)
	}
}

func TestWithTrace(t *testing.T) {
	t.Parallel()
	tp, _ := newTestTracerProvider(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("call_id", "abc")

	WithTrace(context.Background(), base).Info("idle")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("untraced log carries trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := tp.Tracer("test").Start(context.Background(), "call")
	defer span.End()
	WithTrace(ctx, base).Info("opened")

	for _, want := range []string{"call_id=abc", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %q, got: %s", want, buf.String())
		}
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	t.Parallel()
	tp, exp := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := tracer.Start(context.Background(), "failed")
	EndSpan(failed, errors.New("mic revoked"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v, want Unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "mic revoked" {
		t.Errorf("failed span status = %+v, want Error(mic revoked)", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span should carry an exception event")
	}
}
