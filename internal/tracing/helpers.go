package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	tracerDB       = "boxoffice/db"
	tracerPipeline = "boxoffice/pipeline"
)

// DBOperation is the kind of statement a span covers.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
)

// StartDBSpan opens a client span for one statement against table.
//
//	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationUpdate)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	if table != "" {
		name += " " + table
	}

	ctx, span := otel.Tracer(tracerDB).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", string(operation)),
			attribute.String("db.sql.table", table),
		),
	)
	return ctx, endFunc(span)
}

// StartSpan opens an internal span for a pipeline step such as a saga stage
// or a state transition.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerPipeline).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endFunc(span)
}

// AddEvent records a named event on the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
