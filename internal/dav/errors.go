package dav

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gitea.jw6.us/james/davkit/internal/davxml"
	"gitea.jw6.us/james/davkit/internal/store"
)

// Error is a protocol error with an HTTP status and an optional precondition
// element rendered into the {DAV:}error body.
type Error struct {
	Status    int
	Condition string
	Message   string
	// Detail renders the condition element's content.
	Detail davxml.Serializer
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(status int, condition, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Status: status, Condition: condition, Message: msg}
}

func NotFound(format string, args ...any) *Error {
	return newError(http.StatusNotFound, "", format, args...)
}

// NotAuthenticated asks the client to authenticate before retrying.
func NotAuthenticated(format string, args ...any) *Error {
	return newError(http.StatusUnauthorized, "", format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(http.StatusForbidden, "", format, args...)
}

// ForbiddenCondition is a 403 carrying a precondition element.
func ForbiddenCondition(condition, format string, args ...any) *Error {
	return newError(http.StatusForbidden, condition, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(http.StatusConflict, "", format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return newError(http.StatusPreconditionFailed, "", format, args...)
}

// Locked reports a write against a locked resource without its token.
func Locked(path string) *Error {
	e := newError(http.StatusLocked, davxml.Clark(davxml.NSDAV, "lock-token-submitted"), "resource is locked")
	e.Detail = davxml.NewHref(path)
	return e
}

// ConflictingLock reports a LOCK that conflicts with an existing lock.
func ConflictingLock(path string) *Error {
	e := newError(http.StatusLocked, davxml.Clark(davxml.NSDAV, "no-conflicting-lock"), "conflicting lock")
	e.Detail = davxml.NewHref(path)
	return e
}

func TooManyMatches() *Error {
	return newError(http.StatusForbidden, davxml.Clark(davxml.NSDAV, "number-of-matches-within-limits"), "too many matches")
}

func BadRequest(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, "", format, args...)
}

func UnsupportedMediaType(condition, format string, args ...any) *Error {
	return newError(http.StatusUnsupportedMediaType, condition, format, args...)
}

func MethodNotAllowed(format string, args ...any) *Error {
	return newError(http.StatusMethodNotAllowed, "", format, args...)
}

func NotImplemented(format string, args ...any) *Error {
	return newError(http.StatusNotImplemented, "", format, args...)
}

// ReportNotSupported is returned for REPORTs no plugin handles on the node.
func ReportNotSupported(report string) *Error {
	return newError(http.StatusForbidden, davxml.Clark(davxml.NSDAV, "supported-report"), "report %s is not supported on this resource", report)
}

func InvalidSyncToken() *Error {
	return newError(http.StatusForbidden, davxml.Clark(davxml.NSDAV, "valid-sync-token"), "invalid or unknown sync token")
}

// NeedPrivileges is a 403 listing the privileges missing on path.
func NeedPrivileges(path string, privileges ...string) *Error {
	e := newError(http.StatusForbidden, davxml.Clark(davxml.NSDAV, "need-privileges"), "missing privileges")
	e.Detail = needPrivileges{path: path, privileges: privileges}
	return e
}

type needPrivileges struct {
	path       string
	privileges []string
}

func (n needPrivileges) SerializeXML(w *davxml.Writer) {
	for _, p := range n.privileges {
		w.StartElement(davxml.Clark(davxml.NSDAV, "resource"))
		w.Write(davxml.NewHref(n.path))
		w.StartElement(davxml.Clark(davxml.NSDAV, "privilege"))
		w.WriteElement(p, nil)
		w.EndElement()
		w.EndElement()
	}
}

// StatusFromError maps an error to the HTTP status sent to the client.
func StatusFromError(err error) int {
	var de *Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &de):
		return de.Status
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrTooManyMatches):
		return http.StatusForbidden
	case errors.Is(err, davxml.ErrInvalidDocument), errors.Is(err, davxml.ErrEmptyDocument):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// asError converts any error into an *Error suitable for rendering.
func asError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, store.ErrTooManyMatches) {
		return TooManyMatches()
	}
	status := StatusFromError(err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	return &Error{Status: status, Message: msg, Err: err}
}
