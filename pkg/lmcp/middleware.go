package lmcp

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"moul.io/http2curl"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events streaming through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggerMiddleware puts logger in every request context and logs one line
// per request. At trace level the request is also rendered as a curl
// command so it can be replayed.
func loggerMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logger.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		r = r.WithContext(reqLogger.WithContext(r.Context()))

		if reqLogger.GetLevel() <= zerolog.TraceLevel {
			traceCurl(reqLogger, r)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		reqLogger.Debug().
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("handled request")
	})
}

func traceCurl(logger zerolog.Logger, r *http.Request) {
	clone := r.Clone(r.Context())
	clone.URL.Scheme = "http"
	clone.URL.Host = r.Host

	curl, err := http2curl.GetCurlCommand(clone)
	// GetCurlCommand drains and replaces the body it reads.
	r.Body = clone.Body
	if err != nil {
		logger.Trace().Err(err).Msg("rendering request as curl")
		return
	}
	logger.Trace().Str("curl", curl.String()).Msg("incoming request")
}

// logWriter adapts a zerolog logger to the io.Writer a standard library
// logger needs.
type logWriter struct {
	logger zerolog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimRight(string(p), "\n"); msg != "" {
		w.logger.Error().Msg(msg)
	}
	return len(p), nil
}
