// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// recorder remembers the status and byte count of a response. onHeader runs
// once, right before the status line is sent, while headers can still change.
type recorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	onHeader func(http.Header)
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
		if rec.onHeader != nil {
			rec.onHeader(rec.Header())
		}
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Status is the status sent, or 200 if the handler wrote nothing.
func (rec *recorder) Status() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// Chain wraps h so that the first middleware is the outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestID tags the request context and response with an X-Request-ID,
// reusing the caller's id when one is sent.
func RequestID(next http.Handler) http.Handler {
	return apperrors.RequestIDMiddleware(next)
}

// Logging writes one access log entry per request. 5xx responses are errors,
// 4xx warnings; probes and scrapes drop to debug.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.Status()
			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rec.bytes,
				"remote_addr": r.RemoteAddr,
			}

			ctx := r.Context()
			switch {
			case status >= 500:
				log.Error(ctx, "request failed", nil, fields)
			case status >= 400:
				log.Warn(ctx, "request rejected", fields)
			case strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics":
				log.Debug(ctx, "request completed", fields)
			default:
				log.Info(ctx, "request completed", fields)
			}
		})
	}
}

// CORS answers preflights and echoes allowed origins. "*" in allowedOrigins
// allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && (anyOrigin || allowed[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+apperrors.RequestIDHeader)
				h.Set("Access-Control-Expose-Headers", apperrors.RequestIDHeader+", Content-Disposition")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Recoverer turns a handler panic into a 500 error body. http.ErrAbortHandler
// is re-raised so the server can abort the connection.
func Recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Error(r.Context(), "panic recovered", fmt.Errorf("%v", v), map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				apperrors.WriteError(w, apperrors.GetRequestID(r.Context()), apperrors.InternalError("internal server error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
