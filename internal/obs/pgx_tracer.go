package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

// PGXTracer emits a client span for every statement and connection attempt
// made through a pgx pool.
type PGXTracer struct{}

var (
	_ pgx.QueryTracer   = PGXTracer{}
	_ pgx.ConnectTracer = PGXTracer{}
)

func (PGXTracer) tracer() trace.Tracer { return otel.Tracer("nexus/pgx") }

func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op := sqlOperation(data.SQL)
	ctx, span := t.tracer().Start(ctx, "db "+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.query.text", clipStatement(data.SQL)),
	)
	return ctx
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

func (t PGXTracer) TraceConnectStart(ctx context.Context, data pgx.TraceConnectStartData) context.Context {
	ctx, span := t.tracer().Start(ctx, "db connect", trace.WithSpanKind(trace.SpanKindClient))
	if data.ConnConfig != nil {
		span.SetAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("server.address", data.ConnConfig.Host),
			attribute.Int("server.port", int(data.ConnConfig.Port)),
		)
	}
	return ctx
}

func (PGXTracer) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	}
	span.End()
}

func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}

func clipStatement(sql string) string {
	sql = strings.TrimSpace(sql)
	if len(sql) > maxStatementLen {
		return sql[:maxStatementLen] + "..."
	}
	return sql
}
