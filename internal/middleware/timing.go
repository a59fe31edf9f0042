package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openmusicplayer/spotidown/internal/logger"
)

// Timing stamps a Server-Timing header with the time spent before the first
// byte and logs requests that took longer than slow in total. A zero slow
// disables the warning.
func Timing(log *logger.Logger, slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &recorder{
				ResponseWriter: w,
				onHeader: func(h http.Header) {
					h.Set("Server-Timing", formatServerTiming(time.Since(start)))
				},
			}
			next.ServeHTTP(rec, r)

			if d := time.Since(start); slow > 0 && d > slow {
				log.Warn(r.Context(), "slow request", map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      rec.Status(),
					"duration_ms": d.Milliseconds(),
				})
			}
		})
	}
}

func formatServerTiming(d time.Duration) string {
	return "total;dur=" + strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 2, 64)
}
