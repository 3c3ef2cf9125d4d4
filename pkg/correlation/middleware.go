package correlation

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Middleware assigns a correlation ID to each request, echoes it in the
// response headers and logs completion with the status code.
func Middleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inbound := r.Header.Get(Header)
		if inbound == "" {
			inbound = r.Header.Get(RequestIDHeader)
		}
		id := FromString(inbound)

		w.Header().Set(Header, id.String())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(WithID(r.Context(), id)))

		if logger == nil {
			return
		}
		entry := logger.WithFields(logrus.Fields{
			"correlation_id": id.String(),
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rec.status,
			"duration_ms":    time.Since(start).Milliseconds(),
		})
		switch {
		case rec.status >= 500:
			entry.Error("HTTP request failed")
		case rec.status >= 400:
			entry.Warn("HTTP request rejected")
		default:
			entry.Debug("HTTP request completed")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	// An upgraded connection reports 101 regardless of what the handler writes next
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return hj.Hijack()
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
