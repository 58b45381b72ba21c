package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/metrics"
)

// ActorHeader names the acting user. It is recorded in created_by.
const ActorHeader = "X-Actor-ID"

type ctxKey int

const (
	loggerKey ctxKey = iota
	tenantKey
)

// loggerFrom returns the request logger, or the standard logger outside a
// request.
func loggerFrom(ctx context.Context) logrus.FieldLogger {
	if log, ok := ctx.Value(loggerKey).(logrus.FieldLogger); ok {
		return log
	}
	return logrus.StandardLogger()
}

func tenantFrom(ctx context.Context) *Tenant {
	t, _ := ctx.Value(tenantKey).(*Tenant)
	return t
}

// requestLogger attaches a logger carrying the request id and actor to the
// context and writes one access log entry per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"actor":      ledger.ActorFrom(r.Context()),
			})
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, logrus.FieldLogger(entry))))

			entry.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).Info("request served")
		})
	}
}

// withActor copies the X-Actor-ID header into the ledger context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(ledger.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RecordHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// withTenant resolves {coop} to an opened tenant, 404 if unknown.
func (h *Handler) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "coop")
		t, ok := h.tenants.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "Unknown cooperative", nil)
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, t)
		ctx = context.WithValue(ctx, loggerKey, loggerFrom(ctx).WithField("coop", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
