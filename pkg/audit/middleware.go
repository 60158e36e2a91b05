package audit

import (
	"net/http"
	"time"
)

// statusRecorder captures the response status written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware wraps an http.Handler: measures duration, captures the path and
// response status, and logs asynchronously via the Logger. A nil logger is a
// no-op so routes can be registered identically in tests.
func Middleware(logger Logger, actionName string, next http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		entry := &Entry{
			Action:     actionName,
			Transport:  "http",
			Key:        r.URL.Path,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if rec.status >= 400 {
			entry.Status = "error"
			entry.Error = http.StatusText(rec.status)
		} else {
			entry.Status = "success"
		}
		logger.LogAsync(entry)
	}
}
