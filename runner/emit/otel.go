package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each Event into an immediately-ended OpenTelemetry span.
// This instruments the runner's own operations (trial lifecycle, control
// round-trips); it is unrelated to the OTLP endpoint the runner may expose
// to the harness via OTEL_EXPORTER_OTLP_ENDPOINT, and it never
// receives spans from the harness.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter builds an OTelEmitter from an existing tracer, e.g.
// otel.Tracer("agentlab/runner").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit starts and immediately ends a span named after event.Msg, carrying
// run/trial/step identifiers and metadata as attributes.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	attrs := []attribute.KeyValue{attribute.String("run_id", event.RunID)}
	if event.TrialID != "" {
		attrs = append(attrs, attribute.String("trial_id", event.TrialID))
	}
	if event.Step != 0 {
		attrs = append(attrs, attribute.Int("step", event.Step))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if errMsg, ok := event.Meta["error"].(string); ok && errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
