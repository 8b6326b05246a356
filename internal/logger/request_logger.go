package logger

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// StructuredLogger implements chi's middleware.LogFormatter on zerolog.
type StructuredLogger struct {
	Logger *zerolog.Logger
}

// StructuredLoggerEntry is the log entry of one request.
type StructuredLoggerEntry struct {
	Logger *zerolog.Logger
	fields map[string]any
}

// NewStructuredLogger returns a chi request logger middleware writing to l.
func NewStructuredLogger(l *zerolog.Logger) func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&StructuredLogger{Logger: l})
}

func (l *StructuredLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	fields := map[string]any{
		"remote_addr": r.RemoteAddr,
		"proto":       r.Proto,
		"method":      r.Method,
		"user_agent":  r.UserAgent(),
		"uri":         fmt.Sprintf("%s://%s%s", scheme, r.Host, r.RequestURI),
	}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		fields["request_id"] = reqID
	}
	if depth := r.Header.Get("Depth"); depth != "" {
		fields["depth"] = depth
	}
	return &StructuredLoggerEntry{Logger: l.Logger, fields: fields}
}

// Write logs the entry when the request completes.
func (e *StructuredLoggerEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra any) {
	e.Logger.Info().
		Str("sender", "httpd").
		Fields(e.fields).
		Int("resp_status", status).
		Int("resp_size", bytes).
		Int64("elapsed_ms", elapsed.Milliseconds()).
		Send()
}

// Panic logs a recovered panic.
func (e *StructuredLoggerEntry) Panic(v any, stack []byte) {
	e.Logger.Error().
		Str("sender", "httpd").
		Fields(e.fields).
		Str("stack", string(stack)).
		Str("panic", fmt.Sprintf("%+v", v)).
		Send()
}
