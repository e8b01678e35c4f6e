package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	PlanEventName      = "stagehand.plan"
	PlanVersion        = "1"
	PlanVersionKey     = "stagehand.plan.version"
	PlanJSONKey        = "stagehand.plan.json"
	RunIDKey           = "stagehand.run.id"
	DryRunKey          = "stagehand.run.dry_run"
	ChangedKey         = "stagehand.run.changed"
	SkippedEventName   = "stagehand.step.skipped"
	defaultOperationID = "pipeline"
)

type PlannedStep struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Operation is the root span of one pipeline run; each step becomes a child.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// EmitPlan starts the root span for operation and records the planned steps
// on it, so a trace shows steps that never ran after a failure.
func EmitPlan(ctx context.Context, tracer trace.Tracer, operation string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, fmt.Errorf("emit telemetry plan: tracer is required")
	}
	if err := validatePlan(plan); err != nil {
		return nil, fmt.Errorf("emit telemetry plan: %w", err)
	}

	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = defaultOperationID
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("emit telemetry plan: marshal plan: %w", err)
	}

	planAttrs := []attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(planJSON)),
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(append(planAttrs, attrs...)...))
	span.AddEvent(PlanEventName, trace.WithAttributes(planAttrs...))

	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. A nil Operation runs fn
// without tracing.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}

	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}

	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID)
	defer span.End()

	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, firstLine(err.Error()))
		return err
	}
	return nil
}

// Skipped records that the step decided there was nothing to do.
func (o *Operation) Skipped(ctx context.Context, id, reason string) {
	if o == nil || o.span == nil {
		return
	}
	trace.SpanFromContext(ctx).AddEvent(SkippedEventName, trace.WithAttributes(
		attribute.String("step", id),
		attribute.String("reason", reason),
	))
}

// End closes the root span. attrs are attached first, e.g. ChangedKey.
func (o *Operation) End(err error, attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	if len(attrs) > 0 {
		o.span.SetAttributes(attrs...)
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, firstLine(err.Error()))
	}
	o.span.End()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		stepID := strings.TrimSpace(step.ID)
		if stepID == "" {
			return fmt.Errorf("step %d has empty id", i)
		}
		if _, exists := seen[stepID]; exists {
			return fmt.Errorf("duplicate step id %q", stepID)
		}
		seen[stepID] = struct{}{}
	}
	return nil
}
