package saga

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-saga/saga/log"
)

type trackingContextKey string

const trackingKey trackingContextKey = "saga.tracking"

type tracking struct {
	logger log.Logger
	tracer trace.Tracer
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	values, _ := ctx.Value(trackingKey).(*tracking)
	if values == nil {
		values = &tracking{}
	}

	values.logger = logger

	return context.WithValue(ctx, trackingKey, values)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	values, _ := ctx.Value(trackingKey).(*tracking)
	if values == nil {
		values = &tracking{}
	}

	values.tracer = tracer

	return context.WithValue(ctx, trackingKey, values)
}

// NewTrackingFromContext extracts the request-scoped logger and tracer,
// falling back to no-op implementations so callers never need nil checks.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer) {
	logger := log.Logger(log.NewNop())
	tracer := noop.NewTracerProvider().Tracer("saga.noop")

	if ctx == nil {
		return logger, tracer
	}

	if values, ok := ctx.Value(trackingKey).(*tracking); ok && values != nil {
		if values.logger != nil {
			logger = values.logger
		}

		if values.tracer != nil {
			tracer = values.tracer
		}
	}

	return logger, tracer
}
