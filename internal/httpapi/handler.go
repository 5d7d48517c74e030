package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/John-Robertt/subbridge/internal/fetch"
)

const requestIDHeader = "X-Request-Id"

// NewHandler returns the production handler: mux, optional gzip and the
// observability middleware.
//
// Tests can still use NewMux directly to avoid noisy logs unless needed.
func NewHandler(doc fetch.Document, opt Options) http.Handler {
	opt = opt.withDefaults()
	var h http.Handler = NewMux(doc, opt)
	if opt.Compress {
		h = gzhttp.GzipHandler(h)
	}
	return withObservability(h, opt)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(statusCode int) {
	if w.status == 0 {
		w.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func withObservability(next http.Handler, opt Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := uuid.NewString()
		w.Header().Set(requestIDHeader, reqID)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}

		pattern := r.Pattern
		if pattern == "" {
			// Keep it low-cardinality; never use RawQuery.
			pattern = r.Method + " " + r.URL.Path
		}

		opt.Metrics.IncRequest(pattern, status)

		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			opt.Logger.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"pattern", pattern,
				"status", status,
				"dur", time.Since(start).Round(time.Millisecond),
				"bytes", sw.bytes,
				"request_id", reqID,
			)
		}
	})
}
