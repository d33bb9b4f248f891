package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/procura/idgen"
	"github.com/hazyhaar/procura/kit"
)

var newRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestContext tags each request with the http transport and a request
// ID, taken from X-Request-ID when the caller sent a valid one. The ID is
// echoed in the response and carried by a per-request logger.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRequestID(ctx, id)
		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
