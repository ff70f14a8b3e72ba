package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
// origin is the HTTP method or the name of the non-HTTP ingest path that
// issued the query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration) {
	f(ctx, origin, route, outcome, dur)
}

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

type originKey struct{}

// WithOrigin labels queries issued under ctx, e.g. "POST" or "mqtt".
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryInfo is carried from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryInfoKey struct{}

// queryTracer chains an inner pgx tracer (otelpgx) with query logging and the
// metrics hook. Successful queries faster than slow are not logged.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	qi.caller, qi.handler = findDBCallerAndHandler()

	// inner first, so its span is the one we annotate
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if qi.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qi.caller))
		}
		if qi.handler != "" {
			span.SetAttributes(attribute.String("db.handler", qi.handler))
		}
	}

	return context.WithValue(ctx, queryInfoKey{}, qi)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(queryInfoKey{}).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)

	if obs := getQueryObserver(); obs != nil {
		origin := originFromContext(ctx)
		if origin == "" {
			origin = "internal"
		}
		route := routeFromContext(ctx)
		if route == "" {
			route = "none"
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, origin, route, outcome, dur)
	}

	if data.Err == nil && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", compactSQL(qi.sql),
		"db.args_count", len(qi.args),
		"db.duration", dur.Seconds(),
	}
	if tag := data.CommandTag.String(); tag != "" {
		fields = append(fields,
			"db.operation.name", strings.ToUpper(strings.Fields(tag)[0]),
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}
	if qi.handler != "" {
		fields = append(fields, "db.handler", qi.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// compactSQL folds whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findDBCallerAndHandler walks the stack for the store method issuing the
// query (caller) and the first frame above it outside the stores (handler).
// Query arguments are never logged: they carry patient data.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "queryTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.Contains(fn, "/internal/monitor/pgstore."):
		default:
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
