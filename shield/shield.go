// Package shield provides the HTTP middleware that fronts the vigie control
// API: security headers, body limits, request ids and rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.RequestID(logger))
//	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
//	r.Use(shield.MaxBody(64 * 1024))
//	r.With(shield.NewRateLimiter(shield.Rule{Max: 10, Window: time.Minute}).Middleware).Post(...)
package shield

import (
	"encoding/json"
	"net/http"
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
