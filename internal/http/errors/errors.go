package errors

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gitea.jw6.us/james/davkit/internal/logger"
)

const logSender = "httpd"

func event(r *http.Request, ev *zerolog.Event) *zerolog.Event {
	ev = ev.Str("sender", logSender)
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	return ev.Str("method", r.Method).Str("uri", r.RequestURI)
}

// InternalError logs err and answers with a generic 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	event(r, logger.GetLogger().Error()).Err(err).Msg(message)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// Unavailable logs err and answers 503.
func Unavailable(w http.ResponseWriter, r *http.Request, err error, message string) {
	event(r, logger.GetLogger().Warn()).Err(err).Msg(message)
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
}

func LogError(r *http.Request, message string, err error) {
	event(r, logger.GetLogger().Error()).Err(err).Msg(message)
}
