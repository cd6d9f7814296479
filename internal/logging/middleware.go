package logging

import (
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// TraceContext extracts an incoming W3C traceparent header into the request
// context so records logged with it carry trace_id and span_id.
func TraceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
