package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/petrijr/eventide"

// OtelObserver records turns as spans and engine activity as OpenTelemetry
// metrics. It uses the global providers; configure them with
// otel.SetTracerProvider and otel.SetMeterProvider before starting workers.
type OtelObserver struct {
	NoopObserver

	tracer trace.Tracer

	workflows    metric.Int64Counter
	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	taskClaims   metric.Int64Counter
	taskDuration metric.Float64Histogram
	timers       metric.Int64Counter
}

// NewOtelObserver creates an observer backed by the global OpenTelemetry
// providers.
func NewOtelObserver() (*OtelObserver, error) {
	meter := otel.Meter(instrumentationName)
	o := &OtelObserver{tracer: otel.Tracer(instrumentationName)}

	var err error
	if o.workflows, err = meter.Int64Counter("eventide.workflows",
		metric.WithDescription("Workflow executions by lifecycle outcome")); err != nil {
		return nil, err
	}
	if o.turns, err = meter.Int64Counter("eventide.turns",
		metric.WithDescription("Orchestration turns")); err != nil {
		return nil, err
	}
	if o.turnDuration, err = meter.Float64Histogram("eventide.turn.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.taskClaims, err = meter.Int64Counter("eventide.task.claims"); err != nil {
		return nil, err
	}
	if o.taskDuration, err = meter.Float64Histogram("eventide.task.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if o.timers, err = meter.Int64Counter("eventide.timers"); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *OtelObserver) OnWorkflowStart(ctx context.Context, exec *Execution) {
	o.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", exec.WorkflowName),
		attribute.String("outcome", "started"),
	))
}

func (o *OtelObserver) OnWorkflowSucceeded(ctx context.Context, exec *Execution) {
	o.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", exec.WorkflowName),
		attribute.String("outcome", "succeeded"),
	))
}

func (o *OtelObserver) OnWorkflowFailed(ctx context.Context, exec *Execution, err error) {
	o.workflows.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", exec.WorkflowName),
		attribute.String("outcome", "failed"),
	))
}

func (o *OtelObserver) OnTurnCompleted(ctx context.Context, executionID string, commands int, err error, d time.Duration) {
	end := time.Now()
	_, span := o.tracer.Start(ctx, "eventide.turn",
		trace.WithTimestamp(end.Add(-d)),
		trace.WithAttributes(
			attribute.String("execution_id", executionID),
			attribute.Int("commands", commands),
		),
	)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(trace.WithTimestamp(end))

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	o.turns.Add(ctx, 1, attrs)
	o.turnDuration.Record(ctx, d.Seconds(), attrs)
}

func (o *OtelObserver) OnTaskClaim(ctx context.Context, req TaskRequest, claimed bool) {
	o.taskClaims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", req.TaskName),
		attribute.Bool("claimed", claimed),
	))
}

func (o *OtelObserver) OnTaskCompleted(ctx context.Context, req TaskRequest, err error, d time.Duration) {
	o.taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("task", req.TaskName),
		attribute.Bool("failed", err != nil),
	))
}

func (o *OtelObserver) OnTimerScheduled(ctx context.Context, executionID string, fireAt time.Time, longPath bool) {
	path := "short"
	if longPath {
		path = "long"
	}
	o.timers.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
