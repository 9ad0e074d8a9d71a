package otel

import (
	"context"
	"sync"

	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/events"
	"github.com/reaqtive/reaqtor-sub057/internal/execid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := newSubscriber(tp.Tracer("reaqtor-sched"))
	unsubscribe := sub.register(eventbus.Current())

	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // execid -> trace.Span
	taskSpans sync.Map // execid -> trace.Span
}

func newSubscriber(tracer trace.Tracer) *subscriber {
	return &subscriber{tracer: tracer}
}

// register subscribes to scheduler and admin events on b. A nil bus registers
// nothing.
func (s *subscriber) register(b *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPStart) {
			id, _ := execid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(id, span)
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.HTTPFinish) {
			id, _ := execid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.String("http.route", e.Route),
			)
			span.End()
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TaskStart) {
			id, _ := execid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "scheduler.task")
			span.SetAttributes(
				attribute.String("scheduler.id", e.SchedulerID),
				attribute.Int("task.priority", e.Priority),
				attribute.String("task.due", e.DueTime.String()),
			)
			s.taskSpans.Store(id, span)
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TaskFinish) {
			id, _ := execid.FromContext(ctx)
			v, ok := s.taskSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Bool("task.done", e.Done))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.TimerTick) {
			_, span := s.tracer.Start(ctx, "scheduler.timer")
			span.SetAttributes(attribute.Int("timer.promoted", e.Promoted))
			if !e.Next.IsZero() {
				span.SetAttributes(attribute.String("timer.next", e.Next.String()))
			}
			span.End()
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.StateChanged) {
			_, span := s.tracer.Start(ctx, "scheduler.state")
			span.SetAttributes(
				attribute.String("scheduler.id", e.SchedulerID),
				attribute.Bool("scheduler.root", e.Root),
				attribute.String("scheduler.state.from", e.From),
				attribute.String("scheduler.state.to", e.To),
			)
			span.End()
		}),

		eventbus.SubscribeTo(b, func(ctx context.Context, e events.UnhandledError) {
			_, span := s.tracer.Start(ctx, "scheduler.unhandled_error")
			span.SetAttributes(attribute.String("scheduler.id", e.SchedulerID))
			span.RecordError(e.Err)
			span.SetStatus(codes.Error, e.Err.Error())
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
