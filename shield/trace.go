package shield

import (
	"log/slog"
	"net/http"

	"github.com/hazyhaar/vigie/idgen"
	"github.com/hazyhaar/vigie/kit"
)

// RequestID tags each request with the caller's X-Request-ID, or a fresh
// one, stores it under kit.RequestIDKey and echoes it in the response.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = idgen.New()
			}
			w.Header().Set("X-Request-ID", id)
			logger.Debug("request", "request_id", id, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(kit.WithRequestID(r.Context(), id)))
		})
	}
}
