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

// PGXTracer implements pgx.QueryTracer so order and session queries show up
// as child spans of the request that issued them.
type PGXTracer struct{}

// knownTables are the tables owned by this service, used to label spans.
var knownTables = []string{"payment_sessions", "domain_events", "orders"}

// TraceQueryStart starts a span named after the SQL verb and target table.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	verb, table := describeSQL(data.SQL)
	name := "pgx." + strings.ToLower(verb)
	if table != "" {
		name += " " + table
	}
	ctx, span := otel.Tracer("db.pgx").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", verb),
		attribute.String("db.sql.table", table),
		attribute.String("db.statement", clip(strings.TrimSpace(data.SQL), 300)),
	)
	return ctx
}

// TraceQueryEnd ends the span started by TraceQueryStart.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, "query failed")
		return
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
}

// describeSQL returns the upper-cased leading keyword and the first known
// table the statement mentions.
func describeSQL(sql string) (verb, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "QUERY", ""
	}
	verb = strings.ToUpper(fields[0])
	lower := strings.ToLower(sql)
	for _, t := range knownTables {
		if strings.Contains(lower, t) {
			return verb, t
		}
	}
	return verb, ""
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
