package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/image-keyring/internal/config"
)

func captureLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, &buf
}

func TestLoggingMiddleware(t *testing.T) {
	logger, buf := captureLogger()
	cfg := &config.LoggingConfig{AccessLogFormat: "default", RedactHeaders: []string{"authorization"}}

	handler := LoggingMiddleware(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/images/cat?x=1", nil)
	req.Header.Set(ActorHeader, "alice")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "HTTP request", line["msg"])
	assert.Equal(t, "/v1/images/cat", line["path"])
	assert.Equal(t, "x=1", line["query"])
	assert.Equal(t, float64(404), line["status"])
	assert.Equal(t, float64(7), line["bytes"])
	assert.Equal(t, "alice", line["actor"])
}

func TestLoggingMiddleware_UploadLogsRequestBytes(t *testing.T) {
	logger, buf := captureLogger()
	cfg := &config.LoggingConfig{AccessLogFormat: "default"}

	handler := LoggingMiddleware(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPut, "/v1/images/cat", strings.NewReader("0123456789"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, float64(10), line["bytes"])
	assert.Equal(t, float64(201), line["status"])
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		field    string
		contains []string
		absent   []string
	}{
		{
			name:     "json redacts configured headers",
			format:   "json",
			field:    "json",
			contains: []string{`"authorization":"[REDACTED]"`, `"x-trace":"abc"`, `"method":"POST"`},
			absent:   []string{"secret-token"},
		},
		{
			name:     "clf",
			format:   "clf",
			field:    "clf",
			contains: []string{`"POST /v1/keys?dry=1 HTTP/1.1" 200`, " - ops ["},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger()
			cfg := &config.LoggingConfig{AccessLogFormat: tt.format, RedactHeaders: []string{"Authorization"}}
			handler := LoggingMiddleware(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("ok"))
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/keys?dry=1", nil)
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("X-Trace", "abc")
			req.Header.Set(ActorHeader, "ops")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var line map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			value, ok := line[tt.field].(string)
			require.True(t, ok, "field %s missing", tt.field)
			for _, s := range tt.contains {
				assert.Contains(t, value, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	assert.True(t, shouldRedactHeader("authorization", []string{"Authorization"}))
	assert.False(t, shouldRedactHeader("content-type", []string{"authorization", "cookie"}))
	assert.False(t, shouldRedactHeader("cookie", nil))
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rw := newStatusRecorder(w)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	n, err := rw.Write([]byte("test"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, http.StatusAccepted, rw.statusCode, "first status wins")
	assert.Equal(t, int64(4), rw.bytesWritten)

	rw.Flush()
	assert.True(t, w.Flushed)
	assert.Same(t, w, rw.Unwrap())
}
