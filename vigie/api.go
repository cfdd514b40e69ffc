package vigie

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/shield"
	"github.com/hazyhaar/vigie/vigie/internal/scheduler"
)

// Router returns the control API:
//
//	GET  /health
//	GET  /api/watches
//	GET  /api/watches/{id}
//	GET  /api/watches/{id}/changes?limit=N
//	GET  /api/changes?limit=N
//	GET  /api/changes/{changeID}
//	GET  /api/metrics?name=&since=1h&limit=N
//	POST /api/watches/{id}/check
//	     /mcp (when api.mcp is set)
//
// Everything but /health sits behind Basic Auth when api.password_hash is
// set.
func (s *Service) Router() http.Handler {
	s.mu.RLock()
	api := s.config.API
	s.mu.RUnlock()
	ep := s.endpoints()

	checkLimit := shield.NewRateLimiter(shield.Rule{Max: api.CheckRateLimit, Window: time.Minute})
	checkLimit.TrustProxy = api.TrustProxy

	r := chi.NewRouter()
	r.Use(shield.RequestID(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
	r.Use(shield.MaxBody(1 << 20))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		h, err := s.Health(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})

	r.Group(func(r chi.Router) {
		if api.PasswordHash != "" {
			r.Use(basicAuth(api.Username, api.PasswordHash, s.logger))
		}

		r.Get("/api/watches", serve(ep.listWatches, func(*http.Request) (any, error) { return nil, nil }))
		r.Get("/api/watches/{id}", serve(ep.watchStatus, func(r *http.Request) (any, error) {
			return &WatchRequest{ID: chi.URLParam(r, "id")}, nil
		}))
		r.Get("/api/watches/{id}/changes", serve(ep.listChanges, func(r *http.Request) (any, error) {
			limit, err := queryInt(r, "limit")
			return &ChangesRequest{ID: chi.URLParam(r, "id"), Limit: limit}, err
		}))
		r.Get("/api/changes", serve(ep.listChanges, func(r *http.Request) (any, error) {
			limit, err := queryInt(r, "limit")
			return &ChangesRequest{Limit: limit}, err
		}))
		r.Get("/api/changes/{changeID}", serve(ep.getChange, func(r *http.Request) (any, error) {
			return &ChangeRequest{ID: chi.URLParam(r, "changeID")}, nil
		}))
		r.Get("/api/metrics", serve(ep.metrics, func(r *http.Request) (any, error) {
			limit, err := queryInt(r, "limit")
			q := r.URL.Query()
			return &MetricsRequest{Name: q.Get("name"), Since: q.Get("since"), Limit: limit}, err
		}))
		r.With(checkLimit.Middleware).Post("/api/watches/{id}/check", serve(ep.checkNow, func(r *http.Request) (any, error) {
			return &WatchRequest{ID: chi.URLParam(r, "id")}, nil
		}))

		if api.MCP {
			srv := mcp.NewServer(&mcp.Implementation{Name: "vigie", Version: "1.0"}, nil)
			s.RegisterMCP(srv)
			r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
		}
	})
	return r
}

// serve adapts an endpoint to HTTP.
func serve(e kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := e(kit.WithTransport(r.Context(), "http"), req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if c, ok := resp.(*CheckResponse); ok && c.Accepted {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownWatch), errors.Is(err, ErrUnknownChange):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrCycleRunning):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + ": want a non-negative integer")
	}
	return n, nil
}

func basicAuth(username, hash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if ok {
				userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
				passOK := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
				if userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
				logger.Warn("vigie: api auth failed", "user", user, "remote", r.RemoteAddr)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="vigie"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
