package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	err := InitLogger(Options{Level: "chatty"})
	assert.Error(t, err)
	require.NoError(t, InitLogger(Options{Level: "debug"}))
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())
}

func TestIsLogFilePathValid(t *testing.T) {
	assert.False(t, isLogFilePathValid(""))
	assert.False(t, isLogFilePathValid("."))
	assert.False(t, isLogFilePathValid(".."))
	assert.True(t, isLogFilePathValid("/var/log/davkit.log"))
}

func TestStructuredLoggerWritesRequestFields(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	h := middleware.RequestID(NewStructuredLogger(&l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte("<multistatus/>"))
	})))

	req := httptest.NewRequest("PROPFIND", "/dav/calendars/alice/", nil)
	req.Header.Set("Depth", "1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "httpd", entry["sender"])
	assert.Equal(t, "PROPFIND", entry["method"])
	assert.Equal(t, "1", entry["depth"])
	assert.EqualValues(t, http.StatusMultiStatus, entry["resp_status"])
	assert.NotEmpty(t, entry["request_id"])
}
