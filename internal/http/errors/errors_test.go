package errors

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gitea.jw6.us/james/davkit/internal/logger"
)

func TestHelpersHideErrorDetails(t *testing.T) {
	logger.DisableLogger()
	secret := errors.New("dial tcp 10.0.0.5:5432: connection refused")

	tests := []struct {
		name   string
		call   func(w http.ResponseWriter, r *http.Request)
		status int
	}{
		{"internal", func(w http.ResponseWriter, r *http.Request) { InternalError(w, r, secret, "query failed") }, http.StatusInternalServerError},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { Unavailable(w, r, secret, "not ready") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.call(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if strings.Contains(rr.Body.String(), "10.0.0.5") {
				t.Fatalf("error details leaked: %q", rr.Body.String())
			}
		})
	}
}
