package httpapi

import (
	"net/http"
	"time"

	"github.com/pulseboard/pulse/internal/requeststats"
	"github.com/pulseboard/pulse/internal/tracing"
)

// statusWriter captures the response status code for the request outcome.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware instruments inbound requests: it bumps the active-connection
// counter, opens an isolated trace context for the request, and in a
// deferred block records the outcome and finalizes the trace, so a handler
// that panics still produces a trace record and a request outcome.
func Middleware(stats *requeststats.Aggregator, recorder *tracing.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats.IncActive()
		start := time.Now()

		ctx := recorder.Begin(r.Context())
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			status := sw.status
			if err := recover(); err != nil {
				status = http.StatusInternalServerError
				defer panic(err)
			}

			durationMs := float64(time.Since(start)) / float64(time.Millisecond)
			recorder.Finish(ctx, r.Method, r.URL.Path, status)
			stats.Record(durationMs, status)
			stats.DecActive()
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}
