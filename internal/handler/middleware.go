package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
)

// Chain wraps h with request id, access logging, panic recovery, CORS and a
// per-request timeout. The first middleware listed runs outermost.
func Chain(h http.Handler, log *logger.Logger, timeout time.Duration) http.Handler {
	h = http.TimeoutHandler(h, timeout, `{"code":"TIMEOUT","error":"request timed out"}`)
	h = CORS(h)
	h = Recovery(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	})(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-ID")(h)
	h = hlog.NewHandler(log.Logger)(h)
	return h
}

// Recovery turns a handler panic into a 500.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS allows any origin.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, "+ActorHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
